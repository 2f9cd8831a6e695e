package bridge

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryAdmitRejectsBadToken(t *testing.T) {
	registry := NewRegistry("secret")

	_, err := registry.Admit("wrong", PeerInfo{URL: "https://a"}, newFakeTransport(), nil, nil)
	require.ErrorIs(t, err, ErrAuthRejected)
	assert.Equal(t, 0, registry.Len())

	empty := NewRegistry("")
	_, err = empty.Admit("", PeerInfo{}, newFakeTransport(), nil, nil)
	require.ErrorIs(t, err, ErrAuthRejected)
}

func TestRegistryAdmitAssignsShortUniqueIDs(t *testing.T) {
	registry := NewRegistry("secret")
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		session, err := registry.Admit("secret", PeerInfo{URL: fmt.Sprintf("https://tab/%d", i)}, newFakeTransport(), nil, nil)
		require.NoError(t, err)
		assert.Len(t, session.ID(), 8)
		assert.False(t, seen[session.ID()], "duplicate id %s", session.ID())
		seen[session.ID()] = true
		assert.Equal(t, UnknownUserAgent, session.UserAgent())
	}
	assert.Equal(t, 50, registry.Len())
}

func TestRegistryRetriesOnIDCollision(t *testing.T) {
	registry := NewRegistry("secret")
	ids := []string{"aaaaaaaa", "aaaaaaaa", "bbbbbbbb"}
	registry.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}

	first, err := registry.Admit("secret", PeerInfo{}, newFakeTransport(), nil, nil)
	require.NoError(t, err)
	second, err := registry.Admit("secret", PeerInfo{}, newFakeTransport(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaa", first.ID())
	assert.Equal(t, "bbbbbbbb", second.ID())

	registry.newID = func() string { return "aaaaaaaa" }
	_, err = registry.Admit("secret", PeerInfo{}, newFakeTransport(), nil, nil)
	require.ErrorIs(t, err, errPeerIDCollision)
}

func TestRegistryMostRecentBreaksTiesByAdmissionOrder(t *testing.T) {
	registry := NewRegistry("secret")
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	registry.now = func() time.Time { return fixed }

	first, err := registry.Admit("secret", PeerInfo{URL: "one"}, newFakeTransport(), nil, nil)
	require.NoError(t, err)
	second, err := registry.Admit("secret", PeerInfo{URL: "two"}, newFakeTransport(), nil, nil)
	require.NoError(t, err)

	latest, ok := registry.MostRecent()
	require.True(t, ok)
	assert.Equal(t, second.ID(), latest.ID())

	registry.Remove(second.ID())
	latest, ok = registry.MostRecent()
	require.True(t, ok)
	assert.Equal(t, first.ID(), latest.ID())
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	registry := NewRegistry("secret")
	session, err := registry.Admit("secret", PeerInfo{}, newFakeTransport(), nil, nil)
	require.NoError(t, err)

	removed, ok := registry.Remove(session.ID())
	require.True(t, ok)
	assert.Same(t, session, removed)

	removed, ok = registry.Remove(session.ID())
	assert.False(t, ok)
	assert.Nil(t, removed)
	_, ok = registry.Get(session.ID())
	assert.False(t, ok)
}

func TestRegistryRemoveFailsPendingCalls(t *testing.T) {
	registry := NewRegistry("secret")
	session, err := registry.Admit("secret", PeerInfo{}, newFakeTransport(), nil, nil)
	require.NoError(t, err)
	call, err := session.calls.register("call-1", "click")
	require.NoError(t, err)

	_, ok := registry.Remove(session.ID())
	require.True(t, ok)

	select {
	case <-call.done:
	default:
		t.Fatal("expected pending call to settle on remove")
	}
	_, callErr := call.outcome()
	require.ErrorIs(t, callErr, ErrPeerDisconnected)
	assert.Equal(t, 0, session.PendingCalls())

	_, err = session.calls.register("call-2", "click")
	require.ErrorIs(t, err, ErrPeerDisconnected)
}

func TestRegistryGreetsBeforeSessionIsSelectable(t *testing.T) {
	registry := NewRegistry("secret")
	greeted := false
	session, err := registry.Admit("secret", PeerInfo{}, newFakeTransport(), nil, func(s *Session) error {
		greeted = true
		_, visible := registry.sessions[s.id]
		assert.False(t, visible, "session visible before greeting")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, greeted)
	_, ok := registry.Get(session.ID())
	assert.True(t, ok)
}

func TestRegistryGreetFailureLeavesNoSession(t *testing.T) {
	registry := NewRegistry("secret")
	greetErr := errors.New("queue closed")

	_, err := registry.Admit("secret", PeerInfo{}, newFakeTransport(), nil, func(*Session) error {
		return greetErr
	})
	require.ErrorIs(t, err, greetErr)
	assert.Equal(t, 0, registry.Len())

	_, err = registry.Select("latest")
	require.ErrorIs(t, err, ErrNoTarget)
}

func TestRegistrySelect(t *testing.T) {
	registry := NewRegistry("secret")

	_, err := registry.Select("latest")
	var noTarget *NoTargetError
	require.ErrorAs(t, err, &noTarget)
	assert.Equal(t, "no browser tabs connected", err.Error())

	session, err := registry.Admit("secret", PeerInfo{}, newFakeTransport(), nil, nil)
	require.NoError(t, err)

	got, err := registry.Select("")
	require.NoError(t, err)
	assert.Same(t, session, got)

	got, err = registry.Select(session.ID())
	require.NoError(t, err)
	assert.Same(t, session, got)

	_, err = registry.Select("deadbeef")
	require.ErrorIs(t, err, ErrNoTarget)
	assert.Equal(t, "tab id deadbeef not found", err.Error())
}

func TestRegistryAllIsAdmissionOrdered(t *testing.T) {
	registry := NewRegistry("secret")
	var want []string
	for i := 0; i < 5; i++ {
		session, err := registry.Admit("secret", PeerInfo{}, newFakeTransport(), nil, nil)
		require.NoError(t, err)
		want = append(want, session.ID())
	}
	var got []string
	for _, session := range registry.All() {
		got = append(got, session.ID())
	}
	assert.Equal(t, want, got)
}

func TestRegistryClosedRefusesAdmission(t *testing.T) {
	registry := NewRegistry("secret")
	_, err := registry.Admit("secret", PeerInfo{}, newFakeTransport(), nil, nil)
	require.NoError(t, err)

	sessions := registry.close()
	assert.Len(t, sessions, 1)
	assert.Equal(t, 0, registry.Len())

	_, err = registry.Admit("secret", PeerInfo{}, newFakeTransport(), nil, nil)
	require.ErrorIs(t, err, ErrBridgeClosed)
}
