package ai

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var ErrNoJSONObject = errors.New("no json object in model output")

// ExtractJSONObject returns the JSON object embedded in free model output.
// Code fences are stripped first; the object spans from the first '{' to the
// last '}'.
func ExtractJSONObject(text string) (string, error) {
	cleaned := strings.ReplaceAll(text, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```JSON", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	cleaned = strings.TrimSpace(cleaned)

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end < start {
		return "", ErrNoJSONObject
	}
	return cleaned[start : end+1], nil
}

// DecodeJSONObject extracts the JSON object from text and decodes it into out.
func DecodeJSONObject(text string, out any) error {
	obj, err := ExtractJSONObject(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(obj), out); err != nil {
		return fmt.Errorf("parse model json failed: %w", err)
	}
	return nil
}
