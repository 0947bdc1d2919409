package ollama

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const maxPassageChars = 3000

func buildRelevancePrompt(query, passage string) string {
	snippet := strings.TrimSpace(passage)
	if len(snippet) > maxPassageChars {
		snippet = snippet[:maxPassageChars]
	}

	return fmt.Sprintf(`You grade clinical and regulatory guidance passages.
Rate how well the passage answers the question on a scale from 0 (unrelated) to 10 (directly answers it).
Return strict JSON: {"score": <number>}. No markdown, no extra keys.

Question:
%s

Passage:
%s
`, strings.TrimSpace(query), snippet)
}

func parseRelevanceScore(raw string) (float64, error) {
	decoder := json.NewDecoder(strings.NewReader(extractJSONObject(raw)))
	decoder.UseNumber()

	var verdict judgeVerdict
	if err := decoder.Decode(&verdict); err != nil {
		return 0, fmt.Errorf("parse relevance json: %w", err)
	}
	if verdict.Score == "" {
		return 0, errors.New("parse relevance json: score is missing")
	}
	score, err := verdict.Score.Float64()
	if err != nil {
		return 0, fmt.Errorf("parse relevance score %q: %w", verdict.Score, err)
	}
	return score, nil
}
