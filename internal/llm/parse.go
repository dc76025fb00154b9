package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Salvage parsing for model output. Local models wrap JSON in code fences,
// add chatty prefixes, or leave trailing commas; each strategy below peels
// one layer before giving up. Pre-compiled because parsing runs per ticket.
var (
	codeFenceRegex     = regexp.MustCompile("(?s)```(?:json)?\\s*\n?([\\s\\S]*?)\n?```")
	trailingCommaRegex = regexp.MustCompile(`,(\s*[}\]])`)
	jsonObjectRegex    = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	jsonArrayRegex     = regexp.MustCompile(`(?s)\[[\s\S]*\]`)
)

// ParseJSON decodes model output into T, trying progressively more
// forgiving strategies: direct parse, code-fence removal, trailing-comma
// cleanup, then extraction of the first JSON object or array embedded in
// surrounding prose. It never retries the model; a parse failure is the
// caller's signal that the answer was uninterpretable.
func ParseJSON[T any](text string) (T, error) {
	var zero T
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return zero, fmt.Errorf("empty model output")
	}

	if v, err := tryDecode[T](trimmed); err == nil {
		return v, nil
	}

	unfenced := removeCodeFences(trimmed)
	if v, err := tryDecode[T](unfenced); err == nil {
		return v, nil
	}

	cleaned := trailingCommaRegex.ReplaceAllString(unfenced, "$1")
	if v, err := tryDecode[T](cleaned); err == nil {
		return v, nil
	}

	if extracted := extractJSON(cleaned); extracted != "" {
		if v, err := tryDecode[T](extracted); err == nil {
			return v, nil
		}
	}

	return zero, fmt.Errorf("no parse strategy produced valid JSON")
}

func tryDecode[T any](text string) (T, error) {
	var v T
	err := json.Unmarshal([]byte(text), &v)
	return v, err
}

func removeCodeFences(text string) string {
	cleaned := codeFenceRegex.ReplaceAllString(text, "$1")
	cleaned = strings.TrimSpace(cleaned)
	if strings.HasPrefix(cleaned, "`") && strings.HasSuffix(cleaned, "`") {
		cleaned = strings.Trim(cleaned, "`")
	}
	return strings.TrimSpace(cleaned)
}

// extractJSON pulls the outermost JSON object or array out of mixed
// content. The first JSON-like character decides which shape to match so
// an array is not mistaken for its first element.
func extractJSON(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return jsonArrayRegex.FindString(trimmed)
	}
	if m := jsonObjectRegex.FindString(text); m != "" {
		return m
	}
	return jsonArrayRegex.FindString(text)
}
