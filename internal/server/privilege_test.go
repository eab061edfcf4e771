package server

import (
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gotelescope/internal/protocol"
)

func controllers(reg *Registry) int {
	n := 0
	for _, u := range reg.Users() {
		if u.Privilege >= protocol.PrivilegeControl {
			n++
		}
	}
	return n
}

func TestControlHandoffScenario(t *testing.T) {
	reg := newTestRegistry(t, testConfig(), newRecordingDispatcher())
	alpha := connect(t, reg)
	bravo := connect(t, reg)
	charlie := connect(t, reg)
	require.NoError(t, reg.SetNickname(alpha.session, "alpha"))
	require.NoError(t, reg.SetNickname(bravo.session, "bravo"))
	require.NoError(t, reg.SetNickname(charlie.session, "charlie"))

	require.True(t, reg.Escalate(alpha.session))
	charlie.expectSystem(t, "alpha has full control")

	assert.False(t, reg.Reassign(bravo.session, protocol.PrivilegeControl))
	charlie.expectSystem(t, "bravo could not take control: alpha has full control")
	assert.Equal(t, protocol.PrivilegeDefault, bravo.session.Privilege())

	require.NoError(t, alpha.conn.Close())
	charlie.expectSystem(t, "alpha disconnected")

	assert.True(t, reg.Reassign(charlie.session, protocol.PrivilegeControl))
	bravo.expectSystem(t, "charlie has control")
	assert.Equal(t, protocol.PrivilegeControl, charlie.session.Privilege())
	assert.Equal(t, 1, controllers(reg))
}

func TestControlRequestDemotesCurrentController(t *testing.T) {
	reg := newTestRegistry(t, testConfig(), newRecordingDispatcher())
	a := connect(t, reg)
	b := connect(t, reg)
	require.Equal(t, protocol.PrivilegeControl, a.session.Privilege())

	require.True(t, reg.Reassign(b.session, protocol.PrivilegeControl))
	assert.Equal(t, protocol.PrivilegeDefault, a.session.Privilege())
	assert.Equal(t, protocol.PrivilegeControl, b.session.Privilege())
}

func TestEscalateOverControlHolder(t *testing.T) {
	reg := newTestRegistry(t, testConfig(), newRecordingDispatcher())
	a := connect(t, reg)
	b := connect(t, reg)

	require.True(t, reg.Escalate(b.session))
	assert.Equal(t, protocol.PrivilegeDefault, a.session.Privilege())
	assert.Equal(t, protocol.PrivilegeFull, b.session.Privilege())

	assert.False(t, reg.Escalate(a.session), "full control is not taken from another holder")
}

func TestFullHolderDemotesItselfToControl(t *testing.T) {
	reg := newTestRegistry(t, testConfig(), newRecordingDispatcher())
	a := connect(t, reg)
	watcher := connect(t, reg)
	require.NoError(t, reg.SetNickname(a.session, "deneb"))

	require.True(t, reg.Escalate(a.session))
	watcher.expectSystem(t, "deneb has full control")

	assert.True(t, reg.Reassign(a.session, protocol.PrivilegeControl), "a holder is never outranked by itself")
	watcher.expectSystem(t, "deneb has control")
	assert.Equal(t, protocol.PrivilegeControl, a.session.Privilege())
	assert.Equal(t, protocol.PrivilegeDefault, watcher.session.Privilege())
	assert.Equal(t, 1, controllers(reg))
}

func TestDropAnnouncesRelease(t *testing.T) {
	reg := newTestRegistry(t, testConfig(), newRecordingDispatcher())
	a := connect(t, reg)
	require.NoError(t, reg.SetNickname(a.session, "polaris"))

	assert.True(t, reg.Drop(a.session))
	a.expectSystem(t, "polaris released control")
	assert.Equal(t, 0, controllers(reg))

	// Dropping again succeeds without another announcement.
	assert.True(t, reg.Drop(a.session))
}

func TestReassignClosingSessionFails(t *testing.T) {
	reg := newTestRegistry(t, testConfig(), newRecordingDispatcher())
	a := connect(t, reg)
	reg.BeginTeardown(a.session)

	assert.False(t, reg.Reassign(a.session, protocol.PrivilegeControl))
	assert.False(t, reg.Drop(a.session))
}

// TestAtMostOneController hammers reassignment from several goroutines and
// checks no snapshot ever shows two sessions holding control.
func TestAtMostOneController(t *testing.T) {
	cfg := testConfig()
	cfg.PoolSize = 4096
	reg := newTestRegistry(t, cfg, newRecordingDispatcher())

	var peers []*peer
	for range 4 {
		peers = append(peers, connect(t, reg))
	}
	levels := []protocol.Privilege{protocol.PrivilegeDefault, protocol.PrivilegeControl, protocol.PrivilegeFull}

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				reg.Reassign(p.session, levels[rand.IntN(len(levels))])
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	for {
		require.LessOrEqual(t, controllers(reg), 1)
		select {
		case <-done:
			assert.LessOrEqual(t, controllers(reg), 1)
			assert.Equal(t, len(peers), reg.Len())
			return
		default:
		}
	}
}
