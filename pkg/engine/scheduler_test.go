package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// Mock handler for testing
type mockHandler struct {
	mu        sync.Mutex
	delay     time.Duration
	fail      map[string]bool
	panics    map[string]bool
	invalid   map[string]bool
	applied   []string
	running   int
	maxActive int
	backup    []string
	onApply   func(name string)
}

func newMockHandler() *mockHandler {
	return &mockHandler{
		fail:    make(map[string]bool),
		panics:  make(map[string]bool),
		invalid: make(map[string]bool),
	}
}

func (m *mockHandler) Validate(params map[string]interface{}) error {
	name, _ := params["name"].(string)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.invalid[name] {
		return fmt.Errorf("parameter %q is required", "content")
	}
	return nil
}

func (m *mockHandler) Apply(ctx context.Context, req *ApplyRequest) (ExecutionResult, error) {
	name := req.Definition.Name

	m.mu.Lock()
	m.applied = append(m.applied, name)
	m.running++
	if m.running > m.maxActive {
		m.maxActive = m.running
	}
	shouldFail := m.fail[name]
	shouldPanic := m.panics[name]
	paths := append([]string(nil), m.backup...)
	onApply := m.onApply
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running--
		m.mu.Unlock()
	}()

	if onApply != nil {
		onApply(name)
	}

	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	if shouldPanic {
		panic("boom")
	}

	for _, p := range paths {
		if err := req.BackupPath(ctx, p); err != nil {
			return ExecutionResult{}, err
		}
	}

	if shouldFail {
		return ExecutionResult{Message: name + " failed", Success: false}, nil
	}
	return ExecutionResult{Message: name + " converged", Diff: "+" + name, Success: true}, nil
}

func (m *mockHandler) appliedSet() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool)
	for _, n := range m.applied {
		out[n] = true
	}
	return out
}

// Mock backupper for testing
type mockBackupper struct {
	mu      sync.Mutex
	records []BackupRecord
	err     error
}

func (m *mockBackupper) Backup(ctx context.Context, runID, path string) (BackupRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return BackupRecord{}, m.err
	}
	rec := BackupRecord{RunID: runID, OriginalPath: path, BackupPath: "/backups/" + runID + path, Existed: true}
	m.records = append(m.records, rec)
	return rec, nil
}

// Mock observer for testing
type mockObserver struct {
	mu       sync.Mutex
	started  []Run
	nodes    []NodeResult
	finished []*RunReport
}

func (m *mockObserver) RunStarted(ctx context.Context, run Run) context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = append(m.started, run)
	return ctx
}

func (m *mockObserver) NodeStarted(ctx context.Context, runID string, def Definition) context.Context {
	return ctx
}

func (m *mockObserver) NodeFinished(ctx context.Context, runID string, result NodeResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes = append(m.nodes, result)
}

func (m *mockObserver) RunFinished(ctx context.Context, report *RunReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, report)
}

func newTestConverger(t *testing.T, h Handler, mutate func(*ConvergerConfig)) *Converger {
	t.Helper()
	reg := NewRegistry()
	reg.MustRegister("app", h)
	cfg := ConvergerConfig{
		Registry:    reg,
		Concurrency: 4,
		Logger:      zerolog.New(nil).Level(zerolog.Disabled),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewConverger(cfg)
}

func scenarioDefs() []Definition {
	return []Definition{
		NewDefinition("app", "web", nil, ref("app", "db")),
		NewDefinition("app", "db", nil),
		NewDefinition("app", "cache", nil),
	}
}

func TestNewConverger_DefaultConcurrency(t *testing.T) {
	c := NewConverger(ConvergerConfig{Registry: NewRegistry()})
	if c.cfg.Concurrency != DefaultConcurrency {
		t.Errorf("Expected default concurrency %d, got %d", DefaultConcurrency, c.cfg.Concurrency)
	}
}

func TestConverger_Run_DependencyOrder(t *testing.T) {
	h := newMockHandler()
	c := newTestConverger(t, h, func(cfg *ConvergerConfig) { cfg.Concurrency = 1 })

	report, err := c.Run(context.Background(), scenarioDefs())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if report.Status != RunStatusCompleted {
		t.Errorf("Expected status completed, got %s", report.Status)
	}

	dbAt, webAt := -1, -1
	for i, name := range h.applied {
		switch name {
		case "db":
			dbAt = i
		case "web":
			webAt = i
		}
	}
	if dbAt < 0 || webAt < 0 || dbAt > webAt {
		t.Errorf("Expected db before web, got %v", h.applied)
	}

	if report.Summary.Succeeded != 3 || report.Summary.Changed != 3 {
		t.Errorf("Expected 3 succeeded and changed, got %+v", report.Summary)
	}

	if len(report.Results) != 3 || report.Results[0].Ref != ref("app", "db") {
		t.Errorf("Expected results in topological order, got %+v", report.Results)
	}
}

func TestConverger_Run_FailureSkipsDependents(t *testing.T) {
	h := newMockHandler()
	h.fail["db"] = true
	c := newTestConverger(t, h, nil)

	report, err := c.Run(context.Background(), scenarioDefs())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if report.Status != RunStatusFailed {
		t.Errorf("Expected status failed, got %s", report.Status)
	}

	web, _ := report.Result(ref("app", "web"))
	if web.Status != NodeStatusSkipped {
		t.Errorf("Expected web skipped, got %s", web.Status)
	}
	if web.Result.Success {
		t.Error("Expected skipped result to be unsuccessful")
	}
	if ErrorCode(web.Error) != ErrCodeDependencyFailed {
		t.Errorf("Expected dependency failed code, got %v", web.Error)
	}

	cache, _ := report.Result(ref("app", "cache"))
	if cache.Status != NodeStatusSucceeded {
		t.Errorf("Expected cache succeeded, got %s", cache.Status)
	}

	db, _ := report.Result(ref("app", "db"))
	if db.Status != NodeStatusFailed || !IsHandlerFailure(db.Error) {
		t.Errorf("Expected db failed with handler failure, got %s %v", db.Status, db.Error)
	}

	if h.appliedSet()["web"] {
		t.Error("Skipped node must not be applied")
	}
}

func TestConverger_Run_TransitiveSkip(t *testing.T) {
	h := newMockHandler()
	h.fail["a"] = true
	c := newTestConverger(t, h, nil)

	defs := []Definition{
		NewDefinition("app", "a", nil),
		NewDefinition("app", "b", nil, ref("app", "a")),
		NewDefinition("app", "c", nil, ref("app", "b")),
		NewDefinition("app", "d", nil, ref("app", "c"), ref("app", "e")),
		NewDefinition("app", "e", nil),
	}

	report, err := c.Run(context.Background(), defs)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	applied := h.appliedSet()
	for _, name := range []string{"b", "c", "d"} {
		res, _ := report.Result(ref("app", name))
		if res.Status != NodeStatusSkipped {
			t.Errorf("Expected %s skipped, got %s", name, res.Status)
		}
		if applied[name] {
			t.Errorf("Expected %s not applied", name)
		}
	}

	if !applied["e"] {
		t.Error("Expected unrelated node e to run")
	}
	if report.Summary.Skipped != 3 || report.Summary.Failed != 1 || report.Summary.Succeeded != 1 {
		t.Errorf("Unexpected summary: %+v", report.Summary)
	}
}

func TestConverger_Run_HandlerErrorAndPanic(t *testing.T) {
	h := newMockHandler()
	h.panics["db"] = true
	c := newTestConverger(t, h, nil)

	report, err := c.Run(context.Background(), scenarioDefs())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	db, _ := report.Result(ref("app", "db"))
	if db.Status != NodeStatusFailed || !IsHandlerFailure(db.Error) {
		t.Errorf("Expected recovered panic as handler failure, got %s %v", db.Status, db.Error)
	}
}

func TestConverger_Run_InvalidParameterFailsNodeOnly(t *testing.T) {
	h := newMockHandler()
	h.invalid["cache"] = true
	c := newTestConverger(t, h, nil)

	report, err := c.Run(context.Background(), scenarioDefs())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	cache, _ := report.Result(ref("app", "cache"))
	if !IsInvalidParameter(cache.Error) {
		t.Errorf("Expected invalid parameter, got %v", cache.Error)
	}
	if h.appliedSet()["cache"] {
		t.Error("Expected invalid node not to be applied")
	}

	web, _ := report.Result(ref("app", "web"))
	if web.Status != NodeStatusSucceeded {
		t.Errorf("Expected web to succeed, got %s", web.Status)
	}
}

func TestConverger_Run_BuildErrorsHaveNoSideEffects(t *testing.T) {
	h := newMockHandler()
	h.backup = []string{"/etc/app.conf"}
	backups := &mockBackupper{}
	obs := &mockObserver{}
	c := newTestConverger(t, h, func(cfg *ConvergerConfig) {
		cfg.Backupper = backups
		cfg.Observers = []Observer{obs}
	})

	defs := []Definition{
		NewDefinition("app", "/etc/app.conf", map[string]interface{}{"content": "a"}),
		NewDefinition("app", "/etc/app.conf", map[string]interface{}{"content": "b"}),
	}

	report, err := c.Run(context.Background(), defs)
	if !IsDefinitionConflict(err) {
		t.Fatalf("Expected definition conflict, got: %v", err)
	}
	if report != nil {
		t.Error("Expected no report")
	}
	if len(h.applied) != 0 || len(backups.records) != 0 || len(obs.started) != 0 {
		t.Error("Expected no handler calls, backups or observer notifications")
	}
}

func TestConverger_Run_UndefinedType(t *testing.T) {
	h := newMockHandler()
	c := newTestConverger(t, h, nil)

	defs := []Definition{
		NewDefinition("app", "db", nil),
		NewDefinition("docker_container", "redis", nil),
		NewDefinition("zfs", "tank", nil),
	}

	_, err := c.Run(context.Background(), defs)
	name, ok := UndefinedTypeName(err)
	if !ok {
		t.Fatalf("Expected undefined type, got: %v", err)
	}
	if name != "docker_container" {
		t.Errorf("Expected first undefined type docker_container, got %s", name)
	}
	if len(h.applied) != 0 {
		t.Error("Expected no handler calls")
	}
}

func TestConverger_Run_PreflightAborts(t *testing.T) {
	h := newMockHandler()
	denied := errors.New("denied by policy")
	var seenRunID string
	c := newTestConverger(t, h, func(cfg *ConvergerConfig) {
		cfg.Preflight = []Preflight{PreflightFunc(func(ctx context.Context, g *Graph) error {
			seenRunID = RunIDFromContext(ctx)
			return denied
		})}
	})

	_, err := c.Run(context.Background(), scenarioDefs())
	if !errors.Is(err, denied) {
		t.Fatalf("Expected preflight error, got: %v", err)
	}
	if seenRunID == "" {
		t.Error("Expected run ID in preflight context")
	}
	if len(h.applied) != 0 {
		t.Error("Expected no handler calls")
	}
}

func TestConverger_Run_BackupsShareRunID(t *testing.T) {
	h := newMockHandler()
	h.backup = []string{"/etc/app.conf"}
	backups := &mockBackupper{}
	c := newTestConverger(t, h, func(cfg *ConvergerConfig) { cfg.Backupper = backups })

	report, err := c.Run(context.Background(), scenarioDefs())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(backups.records) != 3 {
		t.Fatalf("Expected 3 backups, got %d", len(backups.records))
	}
	for _, rec := range backups.records {
		if rec.RunID != report.RunID {
			t.Errorf("Expected run ID %s, got %s", report.RunID, rec.RunID)
		}
	}
	if len(report.Backups()) != 3 {
		t.Errorf("Expected backups attached to results, got %d", len(report.Backups()))
	}
}

func TestConverger_Run_BackupFailureFailsNode(t *testing.T) {
	h := newMockHandler()
	h.backup = []string{"/etc/app.conf"}
	backups := &mockBackupper{err: errors.New("disk full")}
	c := newTestConverger(t, h, func(cfg *ConvergerConfig) { cfg.Backupper = backups })

	report, err := c.Run(context.Background(), scenarioDefs()[1:2])
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	db, _ := report.Result(ref("app", "db"))
	if db.Status != NodeStatusFailed || ErrorCode(db.Error) != ErrCodeBackupFailed {
		t.Errorf("Expected backup failure, got %s %v", db.Status, db.Error)
	}
}

func TestConverger_Run_DryRunSkipsBackups(t *testing.T) {
	h := newMockHandler()
	h.backup = []string{"/etc/app.conf"}
	backups := &mockBackupper{}
	c := newTestConverger(t, h, func(cfg *ConvergerConfig) {
		cfg.Backupper = backups
		cfg.DryRun = true
	})

	report, err := c.Run(context.Background(), scenarioDefs())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !report.DryRun {
		t.Error("Expected dry-run report")
	}
	if len(backups.records) != 0 {
		t.Errorf("Expected no backups in dry-run, got %d", len(backups.records))
	}
}

func TestConverger_Run_BoundedConcurrency(t *testing.T) {
	h := newMockHandler()
	h.delay = 20 * time.Millisecond
	c := newTestConverger(t, h, func(cfg *ConvergerConfig) { cfg.Concurrency = 2 })

	var defs []Definition
	for i := 0; i < 8; i++ {
		defs = append(defs, NewDefinition("app", fmt.Sprintf("n%d", i), nil))
	}

	report, err := c.Run(context.Background(), defs)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if report.Status != RunStatusCompleted {
		t.Errorf("Expected completed, got %s", report.Status)
	}
	if h.maxActive > 2 {
		t.Errorf("Expected at most 2 concurrent handlers, got %d", h.maxActive)
	}
	if h.maxActive < 2 {
		t.Errorf("Expected independent nodes to run in parallel, got %d", h.maxActive)
	}
}

func TestConverger_Run_Cancellation(t *testing.T) {
	h := newMockHandler()
	h.delay = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	h.onApply = func(name string) {
		if name == "db" {
			cancel()
		}
	}
	c := newTestConverger(t, h, func(cfg *ConvergerConfig) { cfg.Concurrency = 1 })

	defs := []Definition{
		NewDefinition("app", "db", nil),
		NewDefinition("app", "web", nil, ref("app", "db")),
		NewDefinition("app", "cache", nil),
	}

	report, err := c.Run(ctx, defs)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if report.Status != RunStatusCancelled {
		t.Errorf("Expected cancelled, got %s", report.Status)
	}

	db, _ := report.Result(ref("app", "db"))
	if db.Status != NodeStatusSucceeded {
		t.Errorf("Expected running handler to finish, got %s", db.Status)
	}

	for _, name := range []string{"web", "cache"} {
		res, _ := report.Result(ref("app", name))
		if res.Status != NodeStatusCancelled {
			t.Errorf("Expected %s cancelled, got %s", name, res.Status)
		}
	}
	if report.Summary.Cancelled != 2 {
		t.Errorf("Expected 2 cancelled, got %d", report.Summary.Cancelled)
	}
}

func TestConverger_Run_ObserversSeeEveryNode(t *testing.T) {
	h := newMockHandler()
	h.fail["db"] = true
	obs := &mockObserver{}
	c := newTestConverger(t, h, func(cfg *ConvergerConfig) { cfg.Observers = []Observer{obs} })

	report, err := c.Run(context.Background(), scenarioDefs())
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(obs.started) != 1 || obs.started[0].ID != report.RunID {
		t.Errorf("Expected one run started notification, got %+v", obs.started)
	}
	if len(obs.nodes) != 3 {
		t.Errorf("Expected 3 node notifications, got %d", len(obs.nodes))
	}
	if len(obs.finished) != 1 || obs.finished[0] != report {
		t.Error("Expected run finished notification with the report")
	}
}

func TestConverger_Run_FreezesRegistry(t *testing.T) {
	h := newMockHandler()
	reg := NewRegistry()
	reg.MustRegister("app", h)
	c := NewConverger(ConvergerConfig{Registry: reg, Logger: zerolog.Nop()})

	if _, err := c.Run(context.Background(), scenarioDefs()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if !reg.Frozen() {
		t.Error("Expected registry to be frozen after execution started")
	}
	if err := reg.Register("late", h); ErrorCode(err) != ErrCodeRegistryFrozen {
		t.Errorf("Expected registry frozen error, got: %v", err)
	}
}

func TestConverger_Run_EmptyDefinitions(t *testing.T) {
	c := newTestConverger(t, newMockHandler(), nil)

	report, err := c.Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if report.Status != RunStatusCompleted || len(report.Results) != 0 {
		t.Errorf("Expected empty completed report, got %+v", report)
	}
}
