package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		absoluteFilePathsPolicy(),
		protectedPathsPolicy(),
		idempotentExecPolicy(),
	}
}

// absoluteFilePathsPolicy requires file and script targets to be absolute paths.
func absoluteFilePathsPolicy() Policy {
	return Policy{
		Name:        "absolute-file-paths",
		Description: "File resources must be named by an absolute path",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"files", "safety"},
		Rego: `package froyo.policies.paths

import rego.v1

resource := sprintf("%s[%s]", [input.definition.type, input.definition.name])

deny contains violation if {
	input.definition.type == "file"
	not startswith(input.definition.name, "/")
	violation := {
		"message": sprintf("file path '%s' must be absolute", [input.definition.name]),
		"severity": "error",
		"resource": resource,
	}
}

deny contains violation if {
	input.definition.type == "script"
	path := input.definition.parameters.path
	not startswith(path, "/")
	violation := {
		"message": sprintf("script path '%s' must be absolute", [path]),
		"severity": "error",
		"resource": resource,
	}
}`,
	}
}

// protectedPathsPolicy refuses to manage credentials and boot files.
func protectedPathsPolicy() Policy {
	return Policy{
		Name:        "protected-paths",
		Description: "Refuses to manage /etc/shadow, /etc/sudoers and anything under /boot",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"files", "safety"},
		Rego: `package froyo.policies.protected

import rego.v1

protected_files := {"/etc/shadow", "/etc/gshadow", "/etc/sudoers"}

protected_prefixes := ["/boot/", "/etc/sudoers.d/"]

protected(path) if protected_files[path]

protected(path) if {
	some prefix in protected_prefixes
	startswith(path, prefix)
}

deny contains violation if {
	input.definition.type == "file"
	protected(input.definition.name)
	violation := {
		"message": sprintf("refusing to manage protected path %s", [input.definition.name]),
		"severity": "critical",
		"resource": sprintf("file[%s]", [input.definition.name]),
	}
}`,
	}
}

// idempotentExecPolicy warns about commands that run on every convergence.
func idempotentExecPolicy() Policy {
	return Policy{
		Name:        "idempotent-exec",
		Description: "Warns about exec resources without a creates or unless guard",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"exec", "idempotency"},
		Rego: `package froyo.policies.exec

import rego.v1

deny contains violation if {
	input.definition.type == "exec"
	not input.definition.parameters.creates
	not input.definition.parameters.unless
	violation := {
		"message": sprintf("exec %s has no creates or unless guard and runs on every convergence", [input.definition.name]),
		"severity": "warning",
		"resource": sprintf("exec[%s]", [input.definition.name]),
	}
}`,
	}
}
