// Package cache implements the two persistent content-addressed
// key/value stores the execution core relies on: the TargetCache
// (whole-target skip decisions) and the ActionCache (per-action
// results). Both granularities share this package's Store type,
// distinguished only by the tag byte recorded in the on-disk index.
package cache

import (
	"container/list"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/forgeerr"
)

// Tag distinguishes target-cache entries from action-cache entries in
// the shared on-disk index.
type Tag uint8

const (
	TagTarget Tag = 1
	TagAction Tag = 2
)

// Entry associates a key with the metadata describing a cached build
// result.
type Entry struct {
	OutputDigest digest.Digest
	Timestamp    time.Time
	SizeBytes    int64
	Success      bool
	OutputPaths  []string
}

// Stats summarizes a Store's current occupancy and lifetime hit rate.
type Stats struct {
	Entries int
	Bytes   int64
	Hits    uint64
	Misses  uint64
	HitRate float64
}

// Store is a persistent key→Entry store rooted at a directory,
// implementing both the TargetCache and ActionCache interfaces from
// the component design (they differ only in Tag and in what the
// caller hashes into the key).
type Store struct {
	root       string
	tag        Tag
	log        *log.Logger
	byteBudget int64

	mu           sync.RWMutex
	entries      map[string]Entry
	lru          *list.List
	lruElem      map[string]*list.Element
	currentBytes int64
	dirty        bool

	inflightMu sync.Mutex
	inflight   map[string]chan struct{}

	statsMu sync.Mutex
	hits    uint64
	misses  uint64

	// encoder/decoder are held open for the Store's lifetime rather than
	// built per call: zstd's one-shot constructors are cheap to call but
	// the streaming tables they build are not, and both are safe for
	// concurrent EncodeAll/DecodeAll use.
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Open creates (if necessary) the on-disk layout under root and loads
// any existing index. byteBudget <= 0 means unbounded (no eviction).
func Open(root string, tag Tag, byteBudget int64, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	if err := os.MkdirAll(filepath.Join(root, "objects"), 0o755); err != nil {
		return nil, forgeerr.Wrap("cache: mkdir objects: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, forgeerr.Wrap("cache: new zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, forgeerr.Wrap("cache: new zstd decoder: %w", err)
	}
	s := &Store{
		root:       root,
		tag:        tag,
		log:        logger,
		byteBudget: byteBudget,
		entries:    make(map[string]Entry),
		lru:        list.New(),
		lruElem:    make(map[string]*list.Element),
		inflight:   make(map[string]chan struct{}),
		encoder:    enc,
		decoder:    dec,
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

// Lookup reports whether key has a cached Entry. It never triggers an
// artifact download or read; the blob itself is fetched separately
// via Artifact.
func (s *Store) Lookup(key string) (Entry, bool) {
	s.mu.Lock()
	e, ok := s.entries[key]
	if ok {
		if el, ok := s.lruElem[key]; ok {
			s.lru.MoveToFront(el)
		}
	}
	s.mu.Unlock()

	s.statsMu.Lock()
	if ok {
		s.hits++
	} else {
		s.misses++
	}
	s.statsMu.Unlock()
	return e, ok
}

// Acquire implements the single-writer-per-key contract: the first
// caller for a given key becomes the builder and gets release!=nil;
// every other concurrent caller for the same key blocks until the
// first releases, then returns with owner=false so it can re-Lookup
// and reuse whatever the first caller produced, collapsing duplicate
// work for the same key.
func (s *Store) Acquire(key string) (release func(), owner bool) {
	for {
		s.inflightMu.Lock()
		ch, inFlight := s.inflight[key]
		if !inFlight {
			ch = make(chan struct{})
			s.inflight[key] = ch
			s.inflightMu.Unlock()
			return func() {
				s.inflightMu.Lock()
				delete(s.inflight, key)
				s.inflightMu.Unlock()
				close(ch)
			}, true
		}
		s.inflightMu.Unlock()
		<-ch // wait for the in-flight build to finish, then let caller re-check Lookup
		return nil, false
	}
}

// Insert atomically replaces key's Entry and stores artifact under the
// content-addressed objects directory, keyed by entry.OutputDigest.
// Concurrent inserts for the same key resolve to one winner (the last
// writer) with no partial state ever visible to a concurrent Lookup.
func (s *Store) Insert(key string, entry Entry, artifact []byte) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if artifact != nil {
		if err := s.writeObject(entry.OutputDigest, artifact); err != nil {
			return err
		}
		entry.SizeBytes = int64(len(artifact))
	}

	s.mu.Lock()
	if old, ok := s.entries[key]; ok {
		s.currentBytes -= old.SizeBytes
		if el, ok := s.lruElem[key]; ok {
			s.lru.Remove(el)
		}
	}
	s.entries[key] = entry
	s.lruElem[key] = s.lru.PushFront(key)
	s.currentBytes += entry.SizeBytes
	s.dirty = true
	over := s.byteBudget > 0 && s.currentBytes > s.byteBudget
	s.mu.Unlock()

	if over {
		s.evictLRU()
	}
	return nil
}

// Artifact reads back the blob stored for entry's OutputDigest.
func (s *Store) Artifact(d digest.Digest) ([]byte, error) {
	return s.readObject(d)
}

// Evict removes key unconditionally, including its on-disk object if
// no other entry references the same digest.
func (s *Store) Evict(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	s.evictLocked(key)
	s.dirty = true
	if !ok || e.OutputDigest.IsZero() {
		return
	}
	for _, other := range s.entries {
		if other.OutputDigest == e.OutputDigest {
			return
		}
	}
	if err := os.Remove(objectPath(s.root, e.OutputDigest)); err != nil && !os.IsNotExist(err) {
		s.log.Printf("cache: remove object for %s: %v", key, err)
	}
}

func (s *Store) evictLocked(key string) {
	e, ok := s.entries[key]
	if !ok {
		return
	}
	delete(s.entries, key)
	if el, ok := s.lruElem[key]; ok {
		s.lru.Remove(el)
		delete(s.lruElem, key)
	}
	s.currentBytes -= e.SizeBytes
}

// GC evicts LRU entries down to the store's configured byte budget.
// Insert already does this automatically after every write that pushes
// the store over budget; GC exists for an operator-triggered pass,
// e.g. after lowering the budget or reclaiming space between builds.
func (s *Store) GC() {
	s.evictLRU()
}

// evictLRU removes entries from the back of the LRU list until the
// store is back under budget. An entry currently Acquire()d (in
// flight) is skipped, per the "not evictable until the build
// completes" invariant.
func (s *Store) evictLRU() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.byteBudget > 0 && s.currentBytes > s.byteBudget {
		el := s.lru.Back()
		if el == nil {
			break
		}
		key := el.Value.(string)
		s.inflightMu.Lock()
		_, busy := s.inflight[key]
		s.inflightMu.Unlock()
		if busy {
			// move to front so we don't spin on the same busy entry
			s.lru.MoveToFront(el)
			continue
		}
		s.evictLocked(key)
	}
	s.dirty = true
}

// Clear removes every entry and all on-disk objects.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.entries = make(map[string]Entry)
	s.lru.Init()
	s.lruElem = make(map[string]*list.Element)
	s.currentBytes = 0
	s.dirty = true
	s.mu.Unlock()

	if err := os.RemoveAll(filepath.Join(s.root, "objects")); err != nil {
		return forgeerr.Wrap("cache: clear objects: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(s.root, "objects"), 0o755); err != nil {
		return forgeerr.Wrap("cache: recreate objects: %w", err)
	}
	return s.Flush()
}

// Stats reports current occupancy and lifetime hit/miss counts.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	n := len(s.entries)
	bytes := s.currentBytes
	s.mu.RUnlock()

	s.statsMu.Lock()
	hits, misses := s.hits, s.misses
	s.statsMu.Unlock()

	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{Entries: n, Bytes: bytes, Hits: hits, Misses: misses, HitRate: rate}
}

// Flush synchronously persists the index; entries inserted before a
// successful Flush survive a process crash.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	if err := s.writeIndexLocked(); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// Close flushes and releases the store. No further calls should be
// made after Close returns.
func (s *Store) Close() error {
	err := s.Flush()
	s.encoder.Close()
	s.decoder.Close()
	return err
}
