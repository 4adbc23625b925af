package tools

import (
	"context"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"github.com/samsaffron/chatrelay/internal/llm"
)

type stubTool struct {
	name   string
	result map[string]interface{}
	err    error
	calls  int
}

func (t *stubTool) Spec() llm.ToolSpec {
	return llm.ToolSpec{Name: t.name, Description: "stub", Schema: map[string]interface{}{"type": "object"}}
}

func (t *stubTool) Run(ctx context.Context, args map[string]interface{}, userID, convID string) (map[string]interface{}, error) {
	t.calls++
	return t.result, t.err
}

func TestUnknownToolReturnsStructuredError(t *testing.T) {
	r := NewRegistry(zap.NewNop().Sugar())
	result := r.Execute(context.Background(), llm.ToolCall{Name: "nope"}, "u1", "c1")
	if result["success"] != false {
		t.Errorf("success = %v", result["success"])
	}
	if result["error"] == nil {
		t.Error("missing error field")
	}
}

func TestToolFailureBecomesResult(t *testing.T) {
	tool := &stubTool{name: "boom", err: fmt.Errorf("tool exploded")}
	r := NewRegistry(zap.NewNop().Sugar(), tool)
	result := r.Execute(context.Background(), llm.ToolCall{Name: "boom"}, "u1", "c1")
	if result["success"] != false {
		t.Errorf("success = %v", result["success"])
	}
	if result["error"] != "tool exploded" {
		t.Errorf("error = %v", result["error"])
	}
}

func TestToolSuccessGetsFlag(t *testing.T) {
	tool := &stubTool{name: "ok", result: map[string]interface{}{"answer": 42}}
	r := NewRegistry(zap.NewNop().Sugar(), tool)
	result := r.Execute(context.Background(), llm.ToolCall{Name: "ok"}, "u1", "c1")
	if result["success"] != true {
		t.Errorf("success = %v", result["success"])
	}
	if tool.calls != 1 {
		t.Errorf("calls = %d", tool.calls)
	}
}

func TestSpecsPreserveRegistrationOrder(t *testing.T) {
	r := NewRegistry(zap.NewNop().Sugar(),
		&stubTool{name: "b"}, &stubTool{name: "a"}, &stubTool{name: "b"})
	specs := r.Specs()
	if len(specs) != 2 || specs[0].Name != "b" || specs[1].Name != "a" {
		t.Errorf("specs = %+v", specs)
	}
}
