package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckTimeout_FlagsTimeoutFromStart(t *testing.T) {
	tr := &Transport{startedAt: time.Now().Add(-time.Second)}
	stalled, timedOut := tr.CheckTimeout(0, 500*time.Millisecond)
	require.False(t, stalled)
	require.True(t, timedOut)
}

func TestCheckTimeout_FlagsStalloutOnlyAfterProgress(t *testing.T) {
	tr := &Transport{startedAt: time.Now()}
	stalled, _ := tr.CheckTimeout(time.Millisecond, 0)
	require.False(t, stalled, "no progress recorded yet, stallout must not fire")

	tr.markProgress()
	tr.lastProgress = time.Now().Add(-time.Second)
	stalled, _ = tr.CheckTimeout(500*time.Millisecond, 0)
	require.True(t, stalled)
}

func TestErrorKind_String(t *testing.T) {
	require.Equal(t, "STALLOUT", ErrStallout.String())
	require.Equal(t, "NONE", ErrNone.String())
}
