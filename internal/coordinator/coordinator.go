// Package coordinator implements the CacheCoordinator: a facade
// unifying the local TargetCache and ActionCache with an optional
// remote tier, publishing a typed event stream for every lookup and
// update.
package coordinator

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/forgebuild/forge/internal/cache"
	"github.com/forgebuild/forge/internal/digest"
	"github.com/forgebuild/forge/internal/forgeerr"
)

// Tier is the remote cache capability set a CacheCoordinator consumes:
// put/get/has, keyed the same way as the local stores.
type Tier interface {
	Put(ctx context.Context, tag cache.Tag, key string, entry cache.Entry, blob []byte) error
	Get(ctx context.Context, tag cache.Tag, key string) (cache.Entry, []byte, bool, error)
	Has(ctx context.Context, tag cache.Tag, key string) (bool, error)
}

// EventKind enumerates the coordinator's publishable event types.
type EventKind int

const (
	Hit EventKind = iota
	Miss
	Insert
	Evict
	RemoteUpload
	RemoteDownload
)

func (k EventKind) String() string {
	switch k {
	case Hit:
		return "hit"
	case Miss:
		return "miss"
	case Insert:
		return "insert"
	case Evict:
		return "evict"
	case RemoteUpload:
		return "remote-upload"
	case RemoteDownload:
		return "remote-download"
	default:
		return "unknown"
	}
}

// Event is published on every lookup and update.
type Event struct {
	Kind      EventKind
	Tag       cache.Tag
	Key       string
	SizeBytes int64
	Latency   time.Duration
}

// CoordinatorStats summarizes both local stores and remote
// availability.
type CoordinatorStats struct {
	Target         cache.Stats
	Action         cache.Stats
	RemoteEnabled  bool
	RemoteDisabled bool // true once a transient remote error degraded this coordinator to local-only
}

// defaultSkew is the tie-break window below which a remote entry
// strictly newer than the local one is still left alone, per the
// coordinator's tie-break policy.
const defaultSkew = time.Second

// Coordinator unifies the two local Stores and an optional remote
// Tier. Construct once per process; pass by reference to every
// component that needs it rather than reaching for a singleton.
type Coordinator struct {
	target *cache.Store
	action *cache.Store
	log    *log.Logger
	skew   time.Duration

	remoteMu sync.RWMutex
	remote   Tier // nil means disabled

	subMu sync.Mutex
	subs  []func(Event)

	statsMu        sync.Mutex
	remoteDisabled bool
}

// New wires a Coordinator over already-open target/action Stores and
// an optional remote Tier (nil disables the remote path).
func New(target, action *cache.Store, remote Tier, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Coordinator{
		target: target,
		action: action,
		remote: remote,
		log:    logger,
		skew:   defaultSkew,
	}
}

// WithSkew overrides the tie-break skew threshold (default 1s).
func (c *Coordinator) WithSkew(d time.Duration) *Coordinator {
	c.skew = d
	return c
}

// Subscribe registers fn to be called synchronously, in registration
// order, on every published event.
func (c *Coordinator) Subscribe(fn func(Event)) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subs = append(c.subs, fn)
}

func (c *Coordinator) publish(ev Event) {
	c.subMu.Lock()
	subs := make([]func(Event), len(c.subs))
	copy(subs, c.subs)
	c.subMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (c *Coordinator) storeFor(tag cache.Tag) *cache.Store {
	if tag == cache.TagAction {
		return c.action
	}
	return c.target
}

func (c *Coordinator) remoteTier() Tier {
	c.remoteMu.RLock()
	defer c.remoteMu.RUnlock()
	return c.remote
}

func (c *Coordinator) disableRemote(err error) {
	c.remoteMu.Lock()
	c.remote = nil
	c.remoteMu.Unlock()
	c.statsMu.Lock()
	c.remoteDisabled = true
	c.statsMu.Unlock()
	c.log.Printf("coordinator: degrading to local-only after transient remote error: %v", err)
}

// IsCached consults the local store first, then (if enabled) the
// remote tier on a local miss. A remote hit is optionally demoted
// (written through) to local, subject to the tie-break policy.
func (c *Coordinator) IsCached(ctx context.Context, tag cache.Tag, key string) (cache.Entry, bool, error) {
	store := c.storeFor(tag)
	start := time.Now()
	entry, ok := store.Lookup(key)
	if ok {
		c.publish(Event{Kind: Hit, Tag: tag, Key: key, SizeBytes: entry.SizeBytes, Latency: time.Since(start)})
		return entry, true, nil
	}
	c.publish(Event{Kind: Miss, Tag: tag, Key: key, Latency: time.Since(start)})

	remote := c.remoteTier()
	if remote == nil {
		return cache.Entry{}, false, nil
	}

	rstart := time.Now()
	remoteEntry, blob, rok, err := remote.Get(ctx, tag, key)
	if err != nil {
		if rerr, ok := err.(*forgeerr.RemoteErr); ok && rerr.Transient {
			c.disableRemote(err)
			return cache.Entry{}, false, nil
		}
		return cache.Entry{}, false, err
	}
	if !rok {
		return cache.Entry{}, false, nil
	}
	c.publish(Event{Kind: RemoteDownload, Tag: tag, Key: key, SizeBytes: remoteEntry.SizeBytes, Latency: time.Since(rstart)})

	if c.shouldDemote(store, key, remoteEntry) {
		if err := store.Insert(key, remoteEntry, blob); err != nil {
			return cache.Entry{}, false, err
		}
		c.publish(Event{Kind: Insert, Tag: tag, Key: key, SizeBytes: remoteEntry.SizeBytes})
	}
	return remoteEntry, true, nil
}

// shouldDemote implements the tie-break policy: prefer remote if it's
// newer by timestamp or local has no entry; never overwrite a local
// entry older than remote by less than the skew threshold.
func (c *Coordinator) shouldDemote(store *cache.Store, key string, remoteEntry cache.Entry) bool {
	local, hasLocal := store.Lookup(key)
	if !hasLocal {
		return true
	}
	if !remoteEntry.Timestamp.After(local.Timestamp) {
		return false
	}
	return remoteEntry.Timestamp.Sub(local.Timestamp) >= c.skew
}

// Update writes entry locally and, if the remote tier is enabled,
// publishes it to remote. A transient remote failure degrades the
// coordinator to local-only rather than failing the update.
func (c *Coordinator) Update(ctx context.Context, tag cache.Tag, key string, entry cache.Entry, blob []byte) error {
	store := c.storeFor(tag)
	if err := store.Insert(key, entry, blob); err != nil {
		return err
	}
	c.publish(Event{Kind: Insert, Tag: tag, Key: key, SizeBytes: entry.SizeBytes})

	remote := c.remoteTier()
	if remote == nil {
		return nil
	}
	start := time.Now()
	if err := remote.Put(ctx, tag, key, entry, blob); err != nil {
		if rerr, ok := err.(*forgeerr.RemoteErr); ok && rerr.Transient {
			c.disableRemote(err)
			return nil
		}
		return err
	}
	c.publish(Event{Kind: RemoteUpload, Tag: tag, Key: key, SizeBytes: entry.SizeBytes, Latency: time.Since(start)})
	return nil
}

// Evict removes key from the local store for tag, publishing an Evict
// event.
func (c *Coordinator) Evict(tag cache.Tag, key string) {
	c.storeFor(tag).Evict(key)
	c.publish(Event{Kind: Evict, Tag: tag, Key: key})
}

// Artifact reads back the blob for a digest from tag's local store,
// used to reconstruct outputs after a target-cache or action-cache
// hit. Callers only reach this after IsCached has already demoted a
// remote hit into the local store.
func (c *Coordinator) Artifact(tag cache.Tag, d digest.Digest) ([]byte, error) {
	return c.storeFor(tag).Artifact(d)
}

// Stats reports both local stores' occupancy/hit-rate plus remote
// availability.
func (c *Coordinator) Stats() CoordinatorStats {
	c.statsMu.Lock()
	disabled := c.remoteDisabled
	c.statsMu.Unlock()
	return CoordinatorStats{
		Target:         c.target.Stats(),
		Action:         c.action.Stats(),
		RemoteEnabled:  c.remoteTier() != nil,
		RemoteDisabled: disabled,
	}
}

// Flush synchronously persists both local stores' indexes without
// releasing them, so entries inserted so far survive a crash while the
// coordinator keeps running.
func (c *Coordinator) Flush() error {
	if err := c.target.Flush(); err != nil {
		return err
	}
	return c.action.Flush()
}

// Close flushes both local stores.
func (c *Coordinator) Close() error {
	if err := c.target.Close(); err != nil {
		return err
	}
	return c.action.Close()
}
