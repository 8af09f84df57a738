package mcp

import "encoding/json"

// mustJSON marshals v for tool responses; marshal failures here indicate a
// programming error (all kernel DTOs are plain structs/maps), so they are
// surfaced as a literal error string rather than panicking the server.
func mustJSON(v interface{}) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return `{"error": "failed to marshal response: ` + err.Error() + `"}`
	}
	return string(data)
}
