package usbi3c

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceLifecycleHappyPath(t *testing.T) {
	ctx := context.Background()
	l := newDeviceLifecycle()
	assert.Equal(t, stateUninitialized, l.state(ctx))

	require.NoError(t, l.fire(ctx, triggerCapabilitiesFetched))
	assert.Equal(t, stateCapabilitiesKnown, l.state(ctx))

	require.NoError(t, l.fire(ctx, triggerBusInitialized))
	assert.Equal(t, stateBusInitialized, l.state(ctx))

	require.NoError(t, l.fire(ctx, triggerTableFetched))
	assert.Equal(t, stateOperational, l.state(ctx))

	require.NoError(t, l.fire(ctx, triggerTeardown))
	assert.Equal(t, stateTornDown, l.state(ctx))
}

func TestDeviceLifecycleRejectsOutOfOrderTrigger(t *testing.T) {
	ctx := context.Background()
	l := newDeviceLifecycle()
	assert.Error(t, l.fire(ctx, triggerTableFetched))
}

// TestStalledRequestFSMResumeCycle covers the state transitions a request
// goes through while it keeps getting resumed: live -> stalled -> resumed,
// and back to stalled on the next notification. The reattempt-budget
// decision itself lives on the request tracker (see
// TestTrackerObserveStall*), not on this FSM.
func TestStalledRequestFSMResumeCycle(t *testing.T) {
	ctx := context.Background()
	f := newStalledRequestFSM()

	f.observeStall(ctx, false)
	s, _ := f.sm.State(ctx)
	assert.Equal(t, stateResumed, s)

	f.observeStall(ctx, false)
	s, _ = f.sm.State(ctx)
	assert.Equal(t, stateResumed, s)
}

func TestStalledRequestFSMCancel(t *testing.T) {
	ctx := context.Background()
	f := newStalledRequestFSM()
	f.observeStall(ctx, true)
	s, _ := f.sm.State(ctx)
	assert.Equal(t, stateCancelled, s)
}

func TestAddressChangeFSM(t *testing.T) {
	ctx := context.Background()
	f := newAddressChangeFSM()
	require.NoError(t, f.notify(ctx))
	require.NoError(t, f.resolve(ctx))
	assert.Error(t, f.notify(ctx))
}
