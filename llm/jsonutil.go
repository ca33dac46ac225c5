package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// fencePattern matches JSON inside a markdown code block: ```json { ... } ```
var fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\s*```")

// ExtractObject parses a JSON object out of model output. Models wrap
// JSON in prose and markdown fences often enough that parsing runs in
// three stages: the raw content, the fenced block if one exists, and
// finally the substring from the first '{' to the last '}'.
func ExtractObject(content string) (map[string]any, error) {
	candidates := []string{strings.TrimSpace(content)}

	if matches := fencePattern.FindStringSubmatch(content); len(matches) > 1 {
		candidates = append(candidates, strings.TrimSpace(matches[1]))
	}

	if start, end := strings.Index(content, "{"), strings.LastIndex(content, "}"); start >= 0 && end > start {
		candidates = append(candidates, content[start:end+1])
	}

	var lastErr error
	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
			lastErr = err
			continue
		}
		return obj, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no JSON object found")
	}
	return nil, fmt.Errorf("extract JSON object: %w", lastErr)
}
