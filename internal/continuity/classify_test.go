package continuity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_RateLimited(t *testing.T) {
	te := Classify("HTTP 429: too many requests, slow down", "")
	assert.Equal(t, CodeRateLimited, te.Code)
	assert.True(t, te.CanRetry)
	assert.NotZero(t, te.RetryDelay)
}

func TestClassify_SessionExpired(t *testing.T) {
	te := Classify("No conversation found with session ID: abc-123", "")
	assert.Equal(t, CodeSessionExpired, te.Code)
	assert.True(t, te.CanRetry)
}

func TestClassify_AuthRequired(t *testing.T) {
	te := Classify("error: invalid API key. Please log in.", "")
	assert.Equal(t, CodeAuthRequired, te.Code)
	assert.False(t, te.CanRetry)
}

func TestClassify_Billing(t *testing.T) {
	te := Classify("Your credit balance is too low", "")
	assert.Equal(t, CodeBillingError, te.Code)
	assert.False(t, te.CanRetry)
}

func TestClassify_ToolNotFound(t *testing.T) {
	te := Classify("No such tool available: github_search", "")
	assert.Equal(t, CodeToolNotFound, te.Code)
}

func TestClassify_DiagnosticRefinesGenericFailure(t *testing.T) {
	// A bare process exit classifies as network/process...
	te := Classify("exit status 1", "")
	assert.Equal(t, CodeNetworkOrProcess, te.Code)

	// ...but the side-channel diagnostic can pin the real cause.
	te = Classify("exit status 1", "fatal: 401 unauthorized from api endpoint")
	assert.Equal(t, CodeAuthRequired, te.Code)
}

func TestClassify_Unknown(t *testing.T) {
	te := Classify("some wording we have never seen", "")
	assert.Equal(t, CodeUnknown, te.Code)
}

func TestClassify_IsPure(t *testing.T) {
	a := Classify("429 too many requests", "")
	b := Classify("429 too many requests", "")
	assert.Equal(t, a, b)
}

func TestManager_ResumeToken(t *testing.T) {
	m := NewManager(0)
	assert.Empty(t, m.ResumeToken())

	m.SetResumeToken("tok-1")
	assert.Equal(t, "tok-1", m.ResumeToken())

	m.ClearResumeToken()
	assert.Empty(t, m.ResumeToken())
}

func TestManager_RecoveryContextWindow(t *testing.T) {
	m := NewManager(2)
	assert.Empty(t, m.RecoveryContext())

	m.RecordExchange("first question", "first answer")
	m.RecordExchange("second question", "second answer")
	m.RecordExchange("third question", "third answer")

	ctx := m.RecoveryContext()
	assert.NotContains(t, ctx, "first question")
	assert.Contains(t, ctx, "second question")
	assert.Contains(t, ctx, "third answer")
}

func TestManager_ShouldRetryResume(t *testing.T) {
	m := NewManager(0)

	assert.True(t, m.ShouldRetryResume(true, false, false))
	// Content was observed: the resume worked.
	assert.False(t, m.ShouldRetryResume(true, true, false))
	// Not resuming: nothing to recover.
	assert.False(t, m.ShouldRetryResume(false, false, false))
	// Budget spent: never retry twice.
	assert.False(t, m.ShouldRetryResume(true, false, true))
}
