package cache

import (
	"bytes"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forgebuild/forge/internal/digest"
)

func TestLookupInsertRoundTrip(t *testing.T) {
	s, err := Open(t.TempDir(), TagTarget, 0, nil)
	require.NoError(t, err)

	_, ok := s.Lookup("k")
	require.False(t, ok)

	d := digest.HashBytes([]byte("value"))
	entry := Entry{OutputDigest: d, Success: true}
	require.NoError(t, s.Insert("k", entry, []byte("value")))

	got, ok := s.Lookup("k")
	require.True(t, ok)
	require.Equal(t, d, got.OutputDigest)

	blob, err := s.Artifact(got.OutputDigest)
	require.NoError(t, err)
	require.Equal(t, []byte("value"), blob)
}

// TestInsertCompressesObjectOnDisk confirms artifact bytes are
// actually zstd-compressed at rest, not merely round-trippable through
// Store's own encoder/decoder: a highly repetitive blob's on-disk
// object must be smaller than the original and must not equal the
// plaintext bytes directly.
func TestInsertCompressesObjectOnDisk(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root, TagTarget, 0, nil)
	require.NoError(t, err)

	plain := []byte(strings.Repeat("forge build cache artifact ", 256))
	d := digest.HashBytes(plain)
	require.NoError(t, s.Insert("k", Entry{OutputDigest: d, Success: true}, plain))

	raw, err := os.ReadFile(objectPath(root, d))
	require.NoError(t, err)
	require.Less(t, len(raw), len(plain))
	require.False(t, bytes.Equal(raw, plain))

	blob, err := s.Artifact(d)
	require.NoError(t, err)
	require.Equal(t, plain, blob)
}

// TestIsCachedProperty is invariant 6: is_cached(K); update(K,v);
// is_cached(K) returns false then true; the value read equals the
// value written.
func TestIsCachedProperty(t *testing.T) {
	s, err := Open(t.TempDir(), TagAction, 0, nil)
	require.NoError(t, err)

	const key = "action-1"
	_, ok := s.Lookup(key)
	require.False(t, ok)

	want := Entry{OutputDigest: digest.HashBytes([]byte("out")), Success: true}
	require.NoError(t, s.Insert(key, want, []byte("out")))

	got, ok := s.Lookup(key)
	require.True(t, ok)
	require.Equal(t, want.OutputDigest, got.OutputDigest)
	require.Equal(t, want.Success, got.Success)
}

func TestFlushPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, TagTarget, 0, nil)
	require.NoError(t, err)

	d := digest.HashBytes([]byte("persisted"))
	require.NoError(t, s.Insert("k1", Entry{OutputDigest: d, SizeBytes: 9, Success: true}, []byte("persisted")))
	require.NoError(t, s.Flush())

	reopened, err := Open(dir, TagTarget, 0, nil)
	require.NoError(t, err)
	got, ok := reopened.Lookup("k1")
	require.True(t, ok)
	require.Equal(t, d, got.OutputDigest)

	blob, err := reopened.Artifact(d)
	require.NoError(t, err)
	require.Equal(t, []byte("persisted"), blob)
}

func TestCloseImpliesFlush(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, TagAction, 0, nil)
	require.NoError(t, err)
	require.NoError(t, s.Insert("k", Entry{Timestamp: time.Now()}, nil))
	require.NoError(t, s.Close())

	reopened, err := Open(dir, TagAction, 0, nil)
	require.NoError(t, err)
	_, ok := reopened.Lookup("k")
	require.True(t, ok)
}

func TestEvictRemovesEntry(t *testing.T) {
	s, err := Open(t.TempDir(), TagTarget, 0, nil)
	require.NoError(t, err)
	require.NoError(t, s.Insert("k", Entry{}, nil))
	s.Evict("k")
	_, ok := s.Lookup("k")
	require.False(t, ok)
}

func TestClearRemovesEverything(t *testing.T) {
	s, err := Open(t.TempDir(), TagTarget, 0, nil)
	require.NoError(t, err)
	d := digest.HashBytes([]byte("v"))
	require.NoError(t, s.Insert("k", Entry{OutputDigest: d}, []byte("v")))
	require.NoError(t, s.Clear())
	_, ok := s.Lookup("k")
	require.False(t, ok)
	require.Equal(t, 0, s.Stats().Entries)
}

func TestLRUEvictionUnderByteBudget(t *testing.T) {
	s, err := Open(t.TempDir(), TagAction, 10, nil)
	require.NoError(t, err)

	require.NoError(t, s.Insert("old", Entry{}, make([]byte, 6)))
	require.NoError(t, s.Insert("new", Entry{}, make([]byte, 6)))

	_, oldOK := s.Lookup("old")
	_, newOK := s.Lookup("new")
	require.False(t, oldOK, "oldest entry should have been evicted to stay under budget")
	require.True(t, newOK)
}

func TestLRUEvictionSkipsInFlightEntry(t *testing.T) {
	s, err := Open(t.TempDir(), TagAction, 10, nil)
	require.NoError(t, err)

	require.NoError(t, s.Insert("busy", Entry{}, make([]byte, 6)))
	release, owner := s.Acquire("busy")
	require.True(t, owner)
	defer release()

	require.NoError(t, s.Insert("new", Entry{}, make([]byte, 6)))

	_, busyOK := s.Lookup("busy")
	require.True(t, busyOK, "in-flight entry must not be evicted")
}

// TestAcquireCollapsesDuplicateWork is invariant 5: at most one
// driver invocation for K is in flight within one process.
func TestAcquireCollapsesDuplicateWork(t *testing.T) {
	s, err := Open(t.TempDir(), TagTarget, 0, nil)
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	var owners int64
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			release, owner := s.Acquire("shared")
			if owner {
				atomic.AddInt64(&owners, 1)
				time.Sleep(5 * time.Millisecond)
				release()
			}
		}()
	}
	close(start)
	wg.Wait()
	require.EqualValues(t, 1, owners)
}

func TestStatsHitRate(t *testing.T) {
	s, err := Open(t.TempDir(), TagAction, 0, nil)
	require.NoError(t, err)
	require.NoError(t, s.Insert("k", Entry{}, nil))

	s.Lookup("k")   // hit
	s.Lookup("k")   // hit
	s.Lookup("nah") // miss

	stats := s.Stats()
	require.EqualValues(t, 2, stats.Hits)
	require.EqualValues(t, 1, stats.Misses)
	require.InDelta(t, 2.0/3.0, stats.HitRate, 0.001)
}
