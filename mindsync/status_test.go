package mindsync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusRoundTrip(t *testing.T) {
	for _, s := range SyncStatuses {
		for _, l := range Lifecycles {
			raw := Recompose(s, l)
			gotS, gotL := Decompose(raw)
			require.Equal(t, s, gotS, "sync part of %q", raw)
			require.Equal(t, l, gotL, "lifecycle part of %q", raw)
		}
	}
}

func TestRecomposeFormat(t *testing.T) {
	require.Equal(t, "synced", Recompose(Synced, LifecycleNone))
	require.Equal(t, "pending_update:in_progress", Recompose(PendingUpdate, LifecycleInProgress))
}

func TestDecomposeFailsOpen(t *testing.T) {
	cases := []string{
		"",
		"completed",   // legacy bare lifecycle
		"in_progress", // legacy bare lifecycle
		"bogus",
		"synced:bogus",
		"synced:",
		"nope:completed",
		"synced:completed:extra",
	}
	for _, raw := range cases {
		s, l := Decompose(raw)
		require.Equal(t, PendingUpdate, s, "raw %q", raw)
		require.Equal(t, LifecycleNotStarted, l, "raw %q", raw)
	}
}

func TestIsDirty(t *testing.T) {
	for _, s := range SyncStatuses {
		require.Equal(t, s != Synced, IsDirty(Record{Sync: s}), "status %s", s)
	}
}

func TestStatusValid(t *testing.T) {
	require.True(t, PendingDelete.Valid())
	require.False(t, SyncStatus("deleted").Valid())
	require.True(t, LifecycleNone.Valid())
	require.False(t, Lifecycle("archived").Valid())
}
