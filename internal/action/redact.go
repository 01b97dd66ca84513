package action

import "encoding/json"

// piiFields are payload keys whose values never go to logs.
var piiFields = map[string]struct{}{
	"email":       {},
	"name":        {},
	"displayName": {},
	"reason":      {},
}

const redacted = "<redacted>"

// Redact returns a copy of the raw wire payload with PII values masked, for
// logging failed parses. Structure and non-PII fields survive so the log line
// is still useful for debugging.
func Redact(raw json.RawMessage) json.RawMessage {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return json.RawMessage(`"<unparseable>"`)
	}
	masked, err := json.Marshal(redactValue(doc))
	if err != nil {
		return json.RawMessage(`"<unparseable>"`)
	}
	return masked
}

func redactValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, inner := range typed {
			if _, pii := piiFields[k]; pii {
				out[k] = redacted
				continue
			}
			out[k] = redactValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, inner := range typed {
			out[i] = redactValue(inner)
		}
		return out
	default:
		return v
	}
}
