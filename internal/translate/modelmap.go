package translate

import (
	"strings"

	agate "github.com/cascadelabs/agate/internal"
)

// Upstream models the substring table maps onto.
const (
	ModelGeminiPro           = "gemini-3-pro-preview"
	ModelGeminiFlash         = "gemini-2.0-flash-exp"
	ModelGeminiFlashThinking = "gemini-2.5-flash-thinking"
)

// MapUpstreamModel maps a client-requested model onto the Gemini model
// actually dispatched upstream. Claude-family names are routed by
// capability tier; anything unrecognised passes through unchanged.
func MapUpstreamModel(requested string) string {
	m := agate.NormalizeModel(requested)
	switch {
	case strings.Contains(m, "sonnet"), strings.Contains(m, "thinking"), strings.Contains(m, "opus"):
		return ModelGeminiPro
	case strings.Contains(m, "haiku"):
		return ModelGeminiFlash
	case strings.Contains(m, "claude"):
		return ModelGeminiFlashThinking
	default:
		return m
	}
}
