package engine

import (
	"context"
	"sync"
	"testing"
)

func TestRegistry_RegisterAndLookup(t *testing.T) {
	reg := NewRegistry()
	h := newMockHandler()

	if err := reg.Register("file", h); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	got, err := reg.Lookup("file")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if got != Handler(h) {
		t.Error("Expected registered handler")
	}
}

func TestRegistry_LookupMiss(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Lookup("docker_container")
	if !IsUndefinedType(err) {
		t.Fatalf("Expected undefined type, got: %v", err)
	}
	name, ok := UndefinedTypeName(err)
	if !ok || name != "docker_container" {
		t.Errorf("Expected missing type docker_container, got %q", name)
	}
}

func TestRegistry_RegisterErrors(t *testing.T) {
	reg := NewRegistry()
	h := newMockHandler()

	if err := reg.Register("", h); err == nil {
		t.Error("Expected error for empty type name")
	}
	if err := reg.Register("file", nil); err == nil {
		t.Error("Expected error for nil handler")
	}

	reg.MustRegister("file", h)
	if err := reg.Register("file", h); err == nil {
		t.Error("Expected error for duplicate registration")
	}

	reg.Freeze()
	reg.Freeze()
	err := reg.Register("package", h)
	if ErrorCode(err) != ErrCodeRegistryFrozen {
		t.Errorf("Expected registry frozen, got: %v", err)
	}

	if _, err := reg.Lookup("file"); err != nil {
		t.Errorf("Expected lookups to keep working after freeze, got: %v", err)
	}
}

func TestRegistry_Types(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("service", newMockHandler())
	reg.MustRegister("file", newMockHandler())

	types := reg.Types()
	if len(types) != 2 || types[0] != "file" || types[1] != "service" {
		t.Errorf("Expected sorted types, got %v", types)
	}
}

func TestRegistry_ConcurrentLookupAfterFreeze(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister("file", HandlerFunc(func(ctx context.Context, req *ApplyRequest) (ExecutionResult, error) {
		return ExecutionResult{Success: true}, nil
	}))
	reg.Freeze()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := reg.Lookup("file"); err != nil {
				t.Errorf("Expected no error, got: %v", err)
			}
		}()
	}
	wg.Wait()
}
