package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/internal/cache"
	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/forgeerr"
)

type fakeTier struct {
	mu      sync.Mutex
	entries map[string]cache.Entry
	blobs   map[string][]byte
	getErr  error
	putErr  error
}

func newFakeTier() *fakeTier {
	return &fakeTier{entries: make(map[string]cache.Entry), blobs: make(map[string][]byte)}
}

func (f *fakeTier) Put(_ context.Context, _ cache.Tag, key string, entry cache.Entry, blob []byte) error {
	if f.putErr != nil {
		return f.putErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = entry
	f.blobs[key] = blob
	return nil
}

func (f *fakeTier) Get(_ context.Context, _ cache.Tag, key string) (cache.Entry, []byte, bool, error) {
	if f.getErr != nil {
		return cache.Entry{}, nil, false, f.getErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	return e, f.blobs[key], ok, nil
}

func (f *fakeTier) Has(_ context.Context, _ cache.Tag, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[key]
	return ok, nil
}

func newTestCoordinator(t *testing.T, remote Tier) *Coordinator {
	t.Helper()
	target, err := cache.Open(t.TempDir(), cache.TagTarget, 0, nil)
	require.NoError(t, err)
	action, err := cache.Open(t.TempDir(), cache.TagAction, 0, nil)
	require.NoError(t, err)
	return New(target, action, remote, nil)
}

func TestIsCachedLocalHit(t *testing.T) {
	c := newTestCoordinator(t, nil)
	d := digest.HashBytes([]byte("v"))
	require.NoError(t, c.Update(context.Background(), cache.TagTarget, "k", cache.Entry{OutputDigest: d, Success: true}, []byte("v")))

	entry, ok, err := c.IsCached(context.Background(), cache.TagTarget, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, d, entry.OutputDigest)
}

func TestIsCachedLocalMissNoRemote(t *testing.T) {
	c := newTestCoordinator(t, nil)
	_, ok, err := c.IsCached(context.Background(), cache.TagTarget, "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIsCachedRemoteHitDemotesToLocal(t *testing.T) {
	remote := newFakeTier()
	c := newTestCoordinator(t, remote)

	d := digest.HashBytes([]byte("remote-value"))
	require.NoError(t, remote.Put(context.Background(), cache.TagAction, "k", cache.Entry{OutputDigest: d, Timestamp: time.Now(), Success: true}, []byte("remote-value")))

	entry, ok, err := c.IsCached(context.Background(), cache.TagAction, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, d, entry.OutputDigest)

	// Now a local-only lookup (no remote) should find the demoted entry.
	c2 := New(c.target, c.action, nil, nil)
	local, ok, err := c2.IsCached(context.Background(), cache.TagAction, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, d, local.OutputDigest)
}

func TestShouldDemoteTieBreakPolicy(t *testing.T) {
	c := newTestCoordinator(t, nil).WithSkew(time.Hour)
	now := time.Now()
	require.NoError(t, c.target.Insert("k", cache.Entry{Timestamp: now}, nil))

	t.Run("no local entry always demotes", func(t *testing.T) {
		require.True(t, c.shouldDemote(c.target, "no-such-key", cache.Entry{Timestamp: now}))
	})
	t.Run("remote older or equal never demotes", func(t *testing.T) {
		require.False(t, c.shouldDemote(c.target, "k", cache.Entry{Timestamp: now}))
		require.False(t, c.shouldDemote(c.target, "k", cache.Entry{Timestamp: now.Add(-time.Minute)}))
	})
	t.Run("remote newer but within skew does not demote", func(t *testing.T) {
		require.False(t, c.shouldDemote(c.target, "k", cache.Entry{Timestamp: now.Add(time.Minute)}))
	})
	t.Run("remote newer beyond skew demotes", func(t *testing.T) {
		require.True(t, c.shouldDemote(c.target, "k", cache.Entry{Timestamp: now.Add(2 * time.Hour)}))
	})
}

func TestUpdatePublishesToRemote(t *testing.T) {
	remote := newFakeTier()
	c := newTestCoordinator(t, remote)

	d := digest.HashBytes([]byte("x"))
	require.NoError(t, c.Update(context.Background(), cache.TagAction, "k", cache.Entry{OutputDigest: d, Success: true}, []byte("x")))

	ok, err := remote.Has(context.Background(), cache.TagAction, "k")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestTransientRemoteErrorDegradesToLocalOnly(t *testing.T) {
	remote := newFakeTier()
	remote.getErr = forgeerr.NewRemoteErr("connection refused", true, nil)
	c := newTestCoordinator(t, remote)

	_, ok, err := c.IsCached(context.Background(), cache.TagTarget, "k")
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, c.Stats().RemoteDisabled)
	require.False(t, c.Stats().RemoteEnabled)
}

func TestEventsPublishedInRegistrationOrder(t *testing.T) {
	c := newTestCoordinator(t, nil)
	var order []string
	c.Subscribe(func(ev Event) { order = append(order, "a:"+ev.Kind.String()) })
	c.Subscribe(func(ev Event) { order = append(order, "b:"+ev.Kind.String()) })

	require.NoError(t, c.Update(context.Background(), cache.TagTarget, "k", cache.Entry{}, nil))

	require.Equal(t, []string{"a:insert", "b:insert"}, order)
}

func TestStatsCombinesBothStores(t *testing.T) {
	c := newTestCoordinator(t, nil)
	require.NoError(t, c.Update(context.Background(), cache.TagTarget, "t", cache.Entry{}, nil))
	require.NoError(t, c.Update(context.Background(), cache.TagAction, "a", cache.Entry{}, nil))

	stats := c.Stats()
	require.Equal(t, 1, stats.Target.Entries)
	require.Equal(t, 1, stats.Action.Entries)
}
