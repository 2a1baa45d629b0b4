package agentrt

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseStructured extracts a JSON payload from a model response, stripping
// markdown fencing if present. The returned bytes are valid JSON but
// shape-unvalidated; callers decode against their expected type and decide
// what a mismatch means.
func ParseStructured(text string) (json.RawMessage, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}

	if !json.Valid([]byte(text)) {
		return nil, fmt.Errorf("response is not valid JSON")
	}
	return json.RawMessage(text), nil
}
