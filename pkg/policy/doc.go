// Package policy gates convergence runs with Open Policy Agent.
//
// Policies are Rego modules that report findings through a "deny" set:
//
//	package site.policies
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.definition.type == "file"
//	    startswith(input.definition.name, "/tmp/")
//	    violation := {
//	        "message": "files under /tmp are not managed",
//	        "severity": "error",
//	    }
//	}
//
// Each definition is evaluated on its own. The input document is
//
//	{
//	    "definition": {"type", "name", "parameters", "depends_on", "source"},
//	    "context":    {"run_id", "dry_run", "timestamp"}
//	}
//
// A deny entry is either a string or an object with "message", "severity" and
// "resource"; other fields become violation details. Entries without a severity
// take the policy default. Violations of severity error or critical block the
// run, lower severities are reported as warnings.
//
// # Built-in Policies
//
//  1. absolute-file-paths - file names and script paths must be absolute
//  2. protected-paths - refuses to manage /etc/shadow, /etc/sudoers and /boot
//  3. idempotent-exec - warns about exec resources without creates or unless
//
// # Gate
//
// Gate implements engine.Preflight. It evaluates the whole graph after it is
// built and before any handler runs, failing the run with POLICY_VIOLATION.
//
// # Hot Reload
//
// Engine.Watch watches the loaded policy paths with fsnotify and swaps in the
// new policy set once changes settle. A set that fails to compile is rejected
// and the previous policies stay active.
package policy
