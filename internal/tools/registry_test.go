package tools

import (
	"context"
	"testing"

	"trellis/internal/llm"
)

type staticTool struct {
	name   string
	result string
}

func (s staticTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{Name: s.name, Description: "static test tool"}
}

func (s staticTool) Execute(context.Context, map[string]any) (string, error) {
	return s.result, nil
}

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(staticTool{name: "search_nodes"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(staticTool{name: "search_nodes"}); err == nil {
		t.Error("duplicate Register should fail")
	}
	if err := r.Register(staticTool{}); err == nil {
		t.Error("unnamed tool should be rejected")
	}

	if _, err := r.Get("search_nodes"); err != nil {
		t.Errorf("Get: %v", err)
	}
	if _, err := r.Get("missing"); err == nil {
		t.Error("Get(missing) should fail")
	}
}

func TestListSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"update_node", "create_connection", "search_nodes"} {
		if err := r.Register(staticTool{name: name}); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}

	defs := r.List()
	if len(defs) != 3 {
		t.Fatalf("List = %d defs", len(defs))
	}
	want := []string{"create_connection", "search_nodes", "update_node"}
	for i, def := range defs {
		if def.Name != want[i] {
			t.Errorf("List[%d] = %q, want %q", i, def.Name, want[i])
		}
	}
}

func TestSubset(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"search_nodes", "extract_content", "create_connection"} {
		if err := r.Register(staticTool{name: name}); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}

	sub := r.Subset("search_nodes", "extract_content")

	if defs := sub.List(); len(defs) != 2 {
		t.Errorf("Subset List = %d defs, want 2", len(defs))
	}
	if _, err := sub.Get("search_nodes"); err != nil {
		t.Errorf("Subset Get: %v", err)
	}
	if _, err := sub.Get("create_connection"); err == nil {
		t.Error("Subset should hide excluded tools")
	}
}
