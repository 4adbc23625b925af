// Package tools executes model-requested tool calls. The executor is
// a registry of named tools; unknown tools produce a structured error
// result rather than a Go error, so the model can react to the
// failure instead of the turn aborting.
package tools

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/samsaffron/chatrelay/internal/llm"
)

// Executor runs one tool call on behalf of a user/conversation.
type Executor interface {
	Execute(ctx context.Context, call llm.ToolCall, userID, convID string) map[string]interface{}
	Specs() []llm.ToolSpec
}

// Tool is one registered capability.
type Tool interface {
	Spec() llm.ToolSpec
	Run(ctx context.Context, args map[string]interface{}, userID, convID string) (map[string]interface{}, error)
}

// Registry implements Executor over a set of Tools.
type Registry struct {
	tools map[string]Tool
	order []string
	log   *zap.SugaredLogger
}

func NewRegistry(log *zap.SugaredLogger, tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool), log: log}
	for _, t := range tools {
		name := t.Spec().Name
		if _, dup := r.tools[name]; dup {
			continue
		}
		r.tools[name] = t
		r.order = append(r.order, name)
	}
	return r
}

func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.tools[name].Spec())
	}
	return specs
}

// Execute never returns a Go error: tool failures become structured
// {"success": false, "error": ...} results injected back into model
// context.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCall, userID, convID string) map[string]interface{} {
	tool, ok := r.tools[call.Name]
	if !ok {
		r.log.Warnw("unknown tool requested", "tool", call.Name, "conversation", convID)
		return errorResult(fmt.Sprintf("unknown tool %q", call.Name))
	}
	result, err := tool.Run(ctx, call.Arguments, userID, convID)
	if err != nil {
		r.log.Warnw("tool execution failed", "tool", call.Name, "conversation", convID, "err", err)
		return errorResult(err.Error())
	}
	if result == nil {
		result = map[string]interface{}{}
	}
	if _, ok := result["success"]; !ok {
		result["success"] = true
	}
	return result
}

func errorResult(msg string) map[string]interface{} {
	return map[string]interface{}{
		"success": false,
		"error":   msg,
	}
}
