package redaction

import "encoding/json"

// RedactJSON redacts a JSON-encoded structured payload, returning the
// redacted JSON re-encoded. A nil or empty input is returned unchanged.
// A payload that fails to parse as JSON is treated as a single scalar
// string and run through RedactString instead, so malformed payloads are
// never persisted un-redacted.
func (r *Redactor) RedactJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}

	var parsed interface{}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return json.RawMessage(`"` + r.RedactString(string(raw)) + `"`)
	}

	redacted := r.Redact(parsed)
	out, err := json.Marshal(redacted)
	if err != nil {
		// Should not happen for a value derived from a successful Unmarshal,
		// but never fail a redaction call: fall back to the safe literal.
		return json.RawMessage(`"` + redactedLiteral + `"`)
	}
	return out
}
