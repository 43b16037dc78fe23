package ai

import "strings"

// ExtractAssistantText pulls the assistant's text out of a decoded completion
// payload. Backends vary in shape, so extraction is an explicit fallback
// chain, each branch independently testable:
//
//  1. choices[i].message.content as a plain string
//  2. choices[i].message.content as a list of content blocks
//  3. a top-level text-like key (output_text, content, response, text)
//  4. a flatten of the whole payload
//
// Returns "" when nothing text-like is present.
func ExtractAssistantText(data any) string {
	m, ok := data.(map[string]any)
	if !ok {
		return ""
	}
	if s := fromChoices(m); s != "" {
		return s
	}
	for _, key := range []string{"output_text", "content", "response", "text"} {
		if v, ok := m[key]; ok {
			if s := flattenBlocks(v); s != "" {
				return s
			}
		}
	}
	return flattenBlocks(m)
}

// fromChoices handles the message→content branches of the chain.
func fromChoices(m map[string]any) string {
	choices, ok := m["choices"].([]any)
	if !ok {
		return ""
	}
	for _, c := range choices {
		ch, ok := c.(map[string]any)
		if !ok {
			continue
		}
		msg, ok := ch["message"].(map[string]any)
		if !ok {
			continue
		}
		switch content := msg["content"].(type) {
		case string:
			if s := strings.TrimSpace(content); s != "" {
				return s
			}
		case []any, map[string]any:
			if s := flattenBlocks(content); s != "" {
				return s
			}
		}
	}
	return ""
}

// flattenBlocks collects every text-bearing leaf of an arbitrarily nested
// payload, joined by newlines.
func flattenBlocks(v any) string {
	var out []string
	var walk func(v any)
	walk = func(v any) {
		switch x := v.(type) {
		case string:
			if strings.TrimSpace(x) != "" {
				out = append(out, x)
			}
		case map[string]any:
			if t, _ := x["type"].(string); t == "text" || t == "output_text" {
				if s, ok := x["text"].(string); ok && strings.TrimSpace(s) != "" {
					out = append(out, s)
					return
				}
			}
			for _, key := range []string{"text", "content", "value", "data"} {
				if inner, ok := x[key]; ok {
					switch inner.(type) {
					case string, []any, map[string]any:
						walk(inner)
					}
				}
			}
			for key, inner := range x {
				switch key {
				case "text", "content", "value", "data":
					continue
				}
				switch inner.(type) {
				case []any, map[string]any:
					walk(inner)
				}
			}
		case []any:
			for _, it := range x {
				walk(it)
			}
		}
	}
	walk(v)
	return strings.TrimSpace(strings.Join(out, "\n"))
}
