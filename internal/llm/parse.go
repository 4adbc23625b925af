package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Embedded tool-call parsing: fallback for models without native tool
// calling that describe invocations inside free-form output. All
// parsing here is best-effort; malformed input yields nil, never an
// error.

var bracketCallRe = regexp.MustCompile(`\[TOOL CALL\]\s*(\w+)\s*\(([^)]*)\)`)

// ParseEmbeddedToolCalls scans assistant text for tool invocations in
// any of the recognized conventions:
//
//	{"function_call": {"name": "...", "arguments": {...}}}
//	{"name": "...", "arguments": {...}}
//	[TOOL CALL] name(key=value, ...)  or  [TOOL CALL] name(bare query)
func ParseEmbeddedToolCalls(text string) []ToolCall {
	if text == "" {
		return nil
	}
	var calls []ToolCall
	calls = append(calls, parseJSONCalls(text)...)
	calls = append(calls, parseBracketCalls(text)...)
	return calls
}

func parseJSONCalls(text string) []ToolCall {
	var calls []ToolCall
	for _, candidate := range extractJSONObjects(text) {
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
			continue
		}
		if fc, ok := obj["function_call"].(map[string]interface{}); ok {
			if call, ok := callFromObject(fc); ok {
				calls = append(calls, call)
			}
			continue
		}
		if call, ok := callFromObject(obj); ok {
			calls = append(calls, call)
		}
	}
	return calls
}

func callFromObject(obj map[string]interface{}) (ToolCall, bool) {
	name, _ := obj["name"].(string)
	if name == "" {
		return ToolCall{}, false
	}
	call := ToolCall{Name: name, Arguments: map[string]interface{}{}}
	switch args := obj["arguments"].(type) {
	case map[string]interface{}:
		call.Arguments = args
	case string:
		call.RawArguments = args
		var parsed map[string]interface{}
		if err := json.Unmarshal([]byte(args), &parsed); err == nil {
			call.Arguments = parsed
		} else if args != "" {
			call.Arguments = map[string]interface{}{"query": args}
		}
	case nil:
		// A bare {"name": ...} with no arguments is not a call.
		return ToolCall{}, false
	default:
		return ToolCall{}, false
	}
	return call, true
}

func parseBracketCalls(text string) []ToolCall {
	var calls []ToolCall
	for _, m := range bracketCallRe.FindAllStringSubmatch(text, -1) {
		name, rawArgs := m[1], strings.TrimSpace(m[2])
		call := ToolCall{Name: name, RawArguments: rawArgs, Arguments: map[string]interface{}{}}
		if rawArgs != "" {
			if strings.Contains(rawArgs, "=") {
				for _, pair := range strings.Split(rawArgs, ",") {
					kv := strings.SplitN(pair, "=", 2)
					if len(kv) != 2 {
						continue
					}
					key := strings.TrimSpace(kv[0])
					value := strings.Trim(strings.TrimSpace(kv[1]), `"'`)
					if key != "" {
						call.Arguments[key] = value
					}
				}
			} else {
				// A single bare string is treated as the query.
				call.Arguments["query"] = strings.Trim(rawArgs, `"'`)
			}
		}
		calls = append(calls, call)
	}
	return calls
}

// extractJSONObjects finds balanced top-level {...} spans. Brace
// matching ignores braces inside JSON strings.
func extractJSONObjects(text string) []string {
	var objects []string
	depth := 0
	start := -1
	inString := false
	escaped := false
	for i, r := range text {
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if inString {
				continue
			}
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if inString || depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				objects = append(objects, text[start:i+1])
				start = -1
			}
		}
	}
	return objects
}

// StripEmbeddedToolCalls removes recognized call markup from assistant
// text so the raw invocation syntax is not shown to the user.
func StripEmbeddedToolCalls(text string) string {
	out := bracketCallRe.ReplaceAllString(text, "")
	for _, candidate := range extractJSONObjects(out) {
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
			continue
		}
		if _, ok := obj["function_call"]; ok {
			out = strings.Replace(out, candidate, "", 1)
			continue
		}
		if _, hasName := obj["name"].(string); hasName {
			if _, hasArgs := obj["arguments"]; hasArgs {
				out = strings.Replace(out, candidate, "", 1)
			}
		}
	}
	return strings.TrimSpace(out)
}
