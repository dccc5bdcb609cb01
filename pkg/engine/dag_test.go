package engine

import (
	"strings"
	"testing"
)

func ref(typ, name string) Ref {
	return Ref{Type: typ, Name: name}
}

func orderOf(g *Graph) []string {
	var out []string
	for _, d := range g.Order() {
		out = append(out, d.Ref().String())
	}
	return out
}

func TestGraphBuilder_Build_Empty(t *testing.T) {
	graph, err := BuildGraph(nil)
	if err != nil {
		t.Fatalf("Expected no error for empty input, got: %v", err)
	}

	if graph.Len() != 0 {
		t.Errorf("Expected 0 nodes, got %d", graph.Len())
	}

	if graph.Depth() != 0 {
		t.Errorf("Expected depth 0, got %d", graph.Depth())
	}
}

func TestGraphBuilder_Build_LinearDependencies(t *testing.T) {
	defs := []Definition{
		NewDefinition("service", "nginx", nil, ref("file", "/etc/nginx/nginx.conf")),
		NewDefinition("file", "/etc/nginx/nginx.conf", nil, ref("package", "nginx")),
		NewDefinition("package", "nginx", nil),
	}

	graph, err := BuildGraph(defs)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := []string{"package[nginx]", "file[/etc/nginx/nginx.conf]", "service[nginx]"}
	got := orderOf(graph)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Expected order %v, got %v", want, got)
	}

	if graph.Depth() != 3 {
		t.Errorf("Expected depth 3, got %d", graph.Depth())
	}

	node, ok := graph.Node(ref("service", "nginx"))
	if !ok {
		t.Fatal("Expected service[nginx] in graph")
	}
	if node.Level != 2 {
		t.Errorf("Expected level 2, got %d", node.Level)
	}
}

func TestGraphBuilder_Build_StableOrder(t *testing.T) {
	defs := []Definition{
		NewDefinition("app", "web", nil, ref("app", "db")),
		NewDefinition("app", "db", nil),
		NewDefinition("app", "cache", nil),
	}

	for i := 0; i < 20; i++ {
		graph, err := BuildGraph(defs)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		got := strings.Join(orderOf(graph), ",")
		if got != "app[db],app[web],app[cache]" {
			t.Fatalf("Expected declaration-order tie breaking, got %s", got)
		}
	}
}

func TestGraphBuilder_Build_DependenciesPrecedeDependents(t *testing.T) {
	defs := []Definition{
		NewDefinition("t", "e", nil, ref("t", "c"), ref("t", "d")),
		NewDefinition("t", "d", nil, ref("t", "b")),
		NewDefinition("t", "c", nil, ref("t", "a"), ref("t", "b")),
		NewDefinition("t", "b", nil),
		NewDefinition("t", "a", nil),
		NewDefinition("t", "f", nil),
	}

	graph, err := BuildGraph(defs)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	position := make(map[Ref]int)
	for i, d := range graph.Order() {
		position[d.Ref()] = i
	}

	for _, d := range graph.Order() {
		for _, dep := range d.DependsOn {
			if position[dep] >= position[d.Ref()] {
				t.Errorf("Expected %s before %s", dep, d.Ref())
			}
		}
	}

	levels := graph.Levels()
	if len(levels) != 3 {
		t.Fatalf("Expected 3 levels, got %d", len(levels))
	}
	if len(levels[0]) != 3 {
		t.Errorf("Expected 3 roots, got %v", levels[0])
	}
}

func TestGraphBuilder_Build_DiamondDependencies(t *testing.T) {
	defs := []Definition{
		NewDefinition("t", "top", nil),
		NewDefinition("t", "left", nil, ref("t", "top")),
		NewDefinition("t", "right", nil, ref("t", "top")),
		NewDefinition("t", "bottom", nil, ref("t", "left"), ref("t", "right")),
	}

	graph, err := BuildGraph(defs)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if graph.Depth() != 3 {
		t.Errorf("Expected depth 3, got %d", graph.Depth())
	}

	top, _ := graph.Node(ref("t", "top"))
	if len(top.Dependents) != 2 {
		t.Errorf("Expected 2 dependents of top, got %d", len(top.Dependents))
	}

	deps := graph.TransitiveDependents(ref("t", "top"))
	if len(deps) != 3 {
		t.Errorf("Expected 3 transitive dependents, got %v", deps)
	}
}

func TestGraphBuilder_Build_ExactDuplicateMerges(t *testing.T) {
	params := map[string]interface{}{"content": "hello", "mode": "0644"}
	defs := []Definition{
		NewDefinition("package", "app", nil),
		NewDefinition("file", "/etc/app.conf", params),
		NewDefinition("file", "/etc/app.conf", params, ref("package", "app")),
	}

	graph, err := BuildGraph(defs)
	if err != nil {
		t.Fatalf("Expected no error for idempotent re-declaration, got: %v", err)
	}

	if graph.Len() != 2 {
		t.Fatalf("Expected 2 nodes, got %d", graph.Len())
	}

	node, _ := graph.Node(ref("file", "/etc/app.conf"))
	if len(node.Dependencies) != 1 || node.Dependencies[0] != ref("package", "app") {
		t.Errorf("Expected merged dependency on package[app], got %v", node.Dependencies)
	}
}

func TestGraphBuilder_Build_NumericParametersCompareByValue(t *testing.T) {
	defs := []Definition{
		NewDefinition("t", "x", map[string]interface{}{"port": 80}),
		NewDefinition("t", "x", map[string]interface{}{"port": float64(80)}),
	}

	if _, err := BuildGraph(defs); err != nil {
		t.Fatalf("Expected equal parameters to merge, got: %v", err)
	}
}

func TestGraphBuilder_Build_DefinitionConflict(t *testing.T) {
	defs := []Definition{
		NewDefinition("file", "/etc/app.conf", map[string]interface{}{"content": "a"}).WithSource("/srv/a.cue"),
		NewDefinition("file", "/etc/app.conf", map[string]interface{}{"content": "b"}).WithSource("/srv/b.cue"),
	}

	graph, err := BuildGraph(defs)
	if err == nil {
		t.Fatal("Expected definition conflict")
	}
	if graph != nil {
		t.Error("Expected no partial graph")
	}

	if !IsDefinitionConflict(err) {
		t.Errorf("Expected definition conflict, got: %v", err)
	}
	if !IsConflict(err) {
		t.Errorf("Expected conflict class, got: %v", err)
	}
	if !strings.Contains(err.Error(), "/srv/a.cue") || !strings.Contains(err.Error(), "/srv/b.cue") {
		t.Errorf("Expected both sources in message, got: %v", err)
	}
}

func TestGraphBuilder_Build_UnresolvedDependency(t *testing.T) {
	defs := []Definition{
		NewDefinition("file", "/etc/nginx/nginx.conf", nil, ref("service", "nginx")),
	}

	_, err := BuildGraph(defs)
	if !IsUnresolvedDependency(err) {
		t.Fatalf("Expected unresolved dependency, got: %v", err)
	}

	dependent, missing, ok := UnresolvedRefs(err)
	if !ok {
		t.Fatal("Expected refs on unresolved dependency error")
	}
	if dependent != ref("file", "/etc/nginx/nginx.conf") {
		t.Errorf("Expected dependent file[/etc/nginx/nginx.conf], got %s", dependent)
	}
	if missing != ref("service", "nginx") {
		t.Errorf("Expected missing service[nginx], got %s", missing)
	}
	if !strings.Contains(err.Error(), "service[nginx]") {
		t.Errorf("Expected message to name the missing target, got: %v", err)
	}
}

func TestGraphBuilder_DetectCycles_SimpleCycle(t *testing.T) {
	defs := []Definition{
		NewDefinition("t", "a", nil, ref("t", "b")),
		NewDefinition("t", "b", nil, ref("t", "a")),
	}

	_, err := BuildGraph(defs)
	if !IsDependencyCycle(err) {
		t.Fatalf("Expected dependency cycle, got: %v", err)
	}

	if !strings.Contains(err.Error(), "t[a] -> t[b] -> t[a]") {
		t.Errorf("Expected closed cycle in message, got: %v", err)
	}
}

func TestGraphBuilder_DetectCycles_ComplexCycle(t *testing.T) {
	defs := []Definition{
		NewDefinition("t", "entry", nil, ref("t", "a")),
		NewDefinition("t", "a", nil, ref("t", "b")),
		NewDefinition("t", "b", nil, ref("t", "c")),
		NewDefinition("t", "c", nil, ref("t", "a")),
		NewDefinition("t", "other", nil),
	}

	_, err := BuildGraph(defs)
	path := CyclePath(err)
	if len(path) != 3 {
		t.Fatalf("Expected 3 nodes on the cycle, got %v (%v)", path, err)
	}

	seen := make(map[Ref]bool)
	for _, r := range path {
		if seen[r] {
			t.Errorf("Node %s appears twice in cycle %v", r, path)
		}
		seen[r] = true
	}
	if seen[ref("t", "entry")] {
		t.Errorf("Expected entry outside the cycle, got %v", path)
	}
}

func TestGraphBuilder_DetectCycles_SelfDependency(t *testing.T) {
	def := Definition{
		Type:       "t",
		Name:       "self",
		Parameters: map[string]interface{}{"name": "self"},
		DependsOn:  []Ref{ref("t", "self")},
	}

	_, err := BuildGraph([]Definition{def})
	if !IsDependencyCycle(err) {
		t.Fatalf("Expected dependency cycle, got: %v", err)
	}
	if len(CyclePath(err)) != 1 {
		t.Errorf("Expected a single-node cycle, got %v", CyclePath(err))
	}
}

func TestGraph_Types(t *testing.T) {
	defs := []Definition{
		NewDefinition("file", "/a", nil),
		NewDefinition("package", "p", nil),
		NewDefinition("file", "/b", nil),
	}

	graph, err := BuildGraph(defs)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	types := graph.Types()
	if strings.Join(types, ",") != "file,package" {
		t.Errorf("Expected [file package], got %v", types)
	}
}

func TestGraph_ToDOT(t *testing.T) {
	defs := []Definition{
		NewDefinition("package", "nginx", nil),
		NewDefinition("service", "nginx", nil, ref("package", "nginx")),
	}

	graph, err := BuildGraph(defs)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	dot := graph.ToDOT()
	if !strings.Contains(dot, "digraph Convergence") {
		t.Error("DOT output should contain digraph declaration")
	}
	if !strings.Contains(dot, `"package[nginx]" -> "service[nginx]"`) {
		t.Errorf("DOT output should contain the dependency edge:\n%s", dot)
	}
	if !strings.Contains(dot, "cluster_level_1") {
		t.Error("DOT output should group nodes by level")
	}
}
