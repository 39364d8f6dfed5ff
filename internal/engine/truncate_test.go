package engine

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateResult_SmallPassesThrough(t *testing.T) {
	assert.Equal(t, "short output", TruncateResult("short output", 100))
}

func TestTruncateResult_StripsBase64First(t *testing.T) {
	blob := "data:image/png;base64," + strings.Repeat("QUJDRA==", 64)
	content := "before " + blob + " after"

	out := TruncateResult(content, len(content)/bytesPerToken/2)
	assert.Contains(t, out, "before")
	assert.Contains(t, out, "after")
	assert.Contains(t, out, "[base64 data removed")
	assert.NotContains(t, out, blob)
}

func TestTruncateResult_StripsHexBlobs(t *testing.T) {
	blob := strings.Repeat("deadbeef", 64)
	content := "hash dump: " + blob

	out := TruncateResult(content, 4)
	assert.Contains(t, out, "[hex data removed")
	assert.NotContains(t, out, blob)
}

func TestTruncateResult_KeepsHeadAndTail(t *testing.T) {
	content := "HEAD-MARKER " + strings.Repeat("x", 100000) + " TAIL-MARKER"

	out := TruncateResult(content, 100)
	assert.Less(t, len(out), len(content))
	assert.True(t, strings.HasPrefix(out, "HEAD-MARKER"))
	assert.True(t, strings.HasSuffix(out, "TAIL-MARKER"))
	assert.Contains(t, out, "truncated")
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 25, EstimateTokens(strings.Repeat("a", 100)))
}
