package source

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry() *StaticRegistry {
	return &StaticRegistry{Items: []Source{
		{Slug: "github", Enabled: false, ConnectionStatus: "disconnected"},
		{Slug: "linear", Enabled: true, ConnectionStatus: "connected"},
	}}
}

func TestSplitToolName(t *testing.T) {
	slug, tool, ok := SplitToolName("github_search")
	require.True(t, ok)
	assert.Equal(t, "github", slug)
	assert.Equal(t, "search", tool)

	_, _, ok = SplitToolName("shell")
	assert.False(t, ok)

	_, _, ok = SplitToolName("_leading")
	assert.False(t, ok)
}

func TestInactiveSourceFor(t *testing.T) {
	b := NewBroker(testRegistry(), nil)

	slug, ok := b.InactiveSourceFor("github_search")
	require.True(t, ok)
	assert.Equal(t, "github", slug)

	// Active source: no activation needed.
	_, ok = b.InactiveSourceFor("linear_create_issue")
	assert.False(t, ok)

	// Unknown namespace: nothing we can do.
	_, ok = b.InactiveSourceFor("jira_search")
	assert.False(t, ok)
}

func TestInactiveSourceForError(t *testing.T) {
	b := NewBroker(testRegistry(), nil)

	slug, ok := b.InactiveSourceForError("Error: No such tool available: github_search")
	require.True(t, ok)
	assert.Equal(t, "github", slug)

	_, ok = b.InactiveSourceForError("something else went wrong")
	assert.False(t, ok)

	// Known error wording but the source is already active.
	_, ok = b.InactiveSourceForError("No such tool available: linear_create_issue")
	assert.False(t, ok)
}

func TestActivate_Success(t *testing.T) {
	var calls int32
	b := NewBroker(testRegistry(), func(ctx context.Context, slug string) (bool, error) {
		atomic.AddInt32(&calls, 1)
		return true, nil
	})

	out := b.Activate(context.Background(), "github")
	assert.True(t, out.Activated)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.True(t, b.AlreadyAttempted("github"))
}

func TestActivate_FailureProducesHint(t *testing.T) {
	b := NewBroker(testRegistry(), func(ctx context.Context, slug string) (bool, error) {
		return false, nil
	})

	out := b.Activate(context.Background(), "github")
	assert.False(t, out.Activated)
	assert.Contains(t, out.Hint, "github")
	assert.Contains(t, out.Hint, "re-authentication")
}

func TestActivate_MemoizedAcrossConcurrentCallers(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	b := NewBroker(testRegistry(), func(ctx context.Context, slug string) (bool, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return true, nil
	})

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = b.Activate(context.Background(), "github")
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	// Both detection paths share a single activation request.
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.True(t, outcomes[0].Activated)
	assert.True(t, outcomes[1].Activated)
}
