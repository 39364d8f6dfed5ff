package engine

import (
	"fmt"
	"regexp"
)

const (
	// DefaultMaxResultTokens is the estimated-token threshold above which
	// a tool result is summarized or truncated before reaching the model.
	DefaultMaxResultTokens = 16000

	// bytesPerToken is the rough byte/token ratio used for estimation.
	bytesPerToken = 4
)

var (
	// dataURIPattern matches inline base64 data URIs.
	dataURIPattern = regexp.MustCompile(`data:[a-zA-Z0-9+/=\-]+;base64,[A-Za-z0-9+/=]{64,}`)

	// hexBlobPattern matches contiguous hex strings of 256+ characters.
	hexBlobPattern = regexp.MustCompile(`[0-9a-fA-F]{256,}`)
)

// EstimateTokens estimates the token count of a tool result.
func EstimateTokens(content string) int {
	return len(content) / bytesPerToken
}

// TruncateResult shrinks an oversized tool result to roughly maxTokens.
// Binary-looking payloads go first, then the middle of the text: the head
// and tail usually carry the parts the model actually needs.
func TruncateResult(content string, maxTokens int) string {
	maxBytes := maxTokens * bytesPerToken
	if len(content) <= maxBytes {
		return content
	}

	content = dataURIPattern.ReplaceAllStringFunc(content, func(match string) string {
		return fmt.Sprintf("[base64 data removed, %d bytes]", len(match))
	})
	if len(content) <= maxBytes {
		return content
	}

	content = hexBlobPattern.ReplaceAllStringFunc(content, func(match string) string {
		return fmt.Sprintf("[hex data removed, %d bytes]", len(match))
	})
	if len(content) <= maxBytes {
		return content
	}

	headLen := maxBytes * 2 / 5
	tailLen := maxBytes * 2 / 5
	if headLen+tailLen >= len(content) {
		return content
	}
	removed := len(content) - headLen - tailLen
	return content[:headLen] +
		fmt.Sprintf("\n\n[... %d bytes truncated ...]\n\n", removed) +
		content[len(content)-tailLen:]
}
