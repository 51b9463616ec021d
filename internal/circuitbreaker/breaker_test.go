package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)

	assert.True(t, b.Allow("ag-1"))

	b.RecordFailure("ag-1")
	b.RecordFailure("ag-1")
	assert.True(t, b.Allow("ag-1"), "still closed below the threshold")

	b.RecordFailure("ag-1")
	assert.False(t, b.Allow("ag-1"))
	assert.Equal(t, StateOpen, b.State("ag-1"))
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b := New(2, 30*time.Millisecond)

	b.RecordFailure("ag-1")
	b.RecordFailure("ag-1")
	require.False(t, b.Allow("ag-1"))

	time.Sleep(40 * time.Millisecond)

	// Exactly one probe gets through after the cooldown.
	assert.True(t, b.Allow("ag-1"))
	assert.Equal(t, StateHalfOpen, b.State("ag-1"))
	assert.False(t, b.Allow("ag-1"))
}

func TestBreaker_ProbeOutcomes(t *testing.T) {
	b := New(2, 30*time.Millisecond)

	b.RecordFailure("ag-1")
	b.RecordFailure("ag-1")
	time.Sleep(40 * time.Millisecond)
	require.True(t, b.Allow("ag-1"))

	// A good probe closes the circuit for everyone.
	b.RecordSuccess("ag-1")
	assert.Equal(t, StateClosed, b.State("ag-1"))
	assert.True(t, b.Allow("ag-1"))

	// Trip it again; a failed probe goes straight back to open.
	b.RecordFailure("ag-1")
	b.RecordFailure("ag-1")
	time.Sleep(40 * time.Millisecond)
	require.True(t, b.Allow("ag-1"))
	b.RecordFailure("ag-1")
	assert.Equal(t, StateOpen, b.State("ag-1"))
}

func TestBreaker_SuccessResetsStreak(t *testing.T) {
	b := New(3, time.Minute)

	b.RecordFailure("ag-1")
	b.RecordFailure("ag-1")
	b.RecordSuccess("ag-1")
	b.RecordFailure("ag-1")

	assert.True(t, b.Allow("ag-1"), "streak restarted after a success")
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	b := New(2, time.Minute)

	b.RecordFailure("ag-down")
	b.RecordFailure("ag-down")

	assert.False(t, b.Allow("ag-down"))
	assert.True(t, b.Allow("ag-fine"))
	assert.Equal(t, StateClosed, b.State("ag-never-seen"))
}

func TestBreaker_OnTransition(t *testing.T) {
	b := New(2, time.Minute)

	var mu sync.Mutex
	type hop struct{ from, to State }
	var hops []hop
	b.OnTransition(func(key string, from, to State) {
		mu.Lock()
		hops = append(hops, hop{from, to})
		mu.Unlock()
	})

	b.RecordFailure("ag-1")
	b.RecordFailure("ag-1")

	// The callback runs on its own goroutine.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(hops) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, hop{StateClosed, StateOpen}, hops[0])
	mu.Unlock()
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
