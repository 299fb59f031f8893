// Package tokencount estimates token counts for local-provider responses
// that omit usage metadata. Uses a character-based heuristic (~4 chars per
// token for English) which is sufficient for usage display. Can be replaced
// with a real tokenizer for exact counts if needed.
package tokencount

// Estimate returns an approximate token count for text, never less than 1
// for non-empty input.
func Estimate(text string) int {
	return EstimateLen(len(text))
}

// EstimateLen estimates tokens from a byte length, for callers that only
// tracked the length of streamed text.
func EstimateLen(n int) int {
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// EstimateMessages estimates the prompt token count for a chat request.
// Each message carries a small framing overhead on top of its text.
func EstimateMessages(texts []string) int {
	total := 0
	for _, t := range texts {
		total += 4 + Estimate(t)
	}
	if total == 0 {
		return 0
	}
	return total + 3
}
