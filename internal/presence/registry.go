// Package presence tracks which identities currently hold an active
// collaboration connection and delivers payloads to them.
package presence

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"niyya/api/internal/common"
	"niyya/api/internal/logging"
)

// Channel is the write side of one live connection.
type Channel interface {
	Send(ctx context.Context, payload []byte) error
}

const (
	DefaultMaxClients  = 100
	DefaultSendTimeout = 5 * time.Second
	shardCount         = 16
)

type Options struct {
	MaxClients  int
	SendTimeout time.Duration
	Logger      logging.Logger
}

type entry struct {
	identity string
	ch       Channel
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

type Registry struct {
	shards      [shardCount]shard
	count       atomic.Int64
	maxClients  int64
	sendTimeout time.Duration
	log         logging.Logger
}

func New(opts Options) *Registry {
	if opts.MaxClients <= 0 {
		opts.MaxClients = DefaultMaxClients
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	r := &Registry{
		maxClients:  int64(opts.MaxClients),
		sendTimeout: opts.SendTimeout,
		log:         opts.Logger.With("component", "presence"),
	}
	for i := range r.shards {
		r.shards[i].entries = make(map[string]*entry)
	}
	return r
}

func (r *Registry) shard(identity string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return &r.shards[h.Sum32()%shardCount]
}

// Handle is returned by Register and owned by the one connection that
// registered. Closing it removes that connection's entry and nothing else.
type Handle struct {
	reg      *Registry
	entry    *entry
	once     sync.Once
	Identity string
}

// Close is safe to call more than once.
func (h *Handle) Close() {
	h.once.Do(func() {
		h.reg.remove(h.entry.identity, h.entry)
	})
}

// AtCapacity reports whether a new registration would be refused for
// capacity right now.
func (r *Registry) AtCapacity() bool {
	return r.count.Load() >= r.maxClients
}

// Register binds identity to ch. It fails with common.ErrCapacity when the
// registry is full and common.ErrConflict when identity is already bound.
func (r *Registry) Register(identity string, ch Channel) (*Handle, error) {
	s := r.shard(identity)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[identity]; exists {
		return nil, fmt.Errorf("identity %s already connected: %w", identity, common.ErrConflict)
	}
	// Reserve a slot before publishing the entry so concurrent registrations
	// on other shards cannot overshoot the bound.
	if n := r.count.Add(1); n > r.maxClients {
		r.count.Add(-1)
		return nil, fmt.Errorf("%d clients connected: %w", n-1, common.ErrCapacity)
	}
	e := &entry{identity: identity, ch: ch}
	s.entries[identity] = e
	return &Handle{reg: r, entry: e, Identity: identity}, nil
}

// Unregister removes identity if present.
func (r *Registry) Unregister(identity string) {
	r.remove(identity, nil)
}

func (r *Registry) remove(identity string, owner *entry) {
	s := r.shard(identity)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[identity]
	if !ok || (owner != nil && e != owner) {
		return
	}
	delete(s.entries, identity)
	r.count.Add(-1)
}

func (r *Registry) lookup(identity string) (Channel, bool) {
	s := r.shard(identity)
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[identity]
	if !ok {
		return nil, false
	}
	return e.ch, true
}

// SendTo delivers payload to identity if it is online. It reports false for
// an offline identity, a failed write or a write that outlives the send
// timeout.
func (r *Registry) SendTo(ctx context.Context, identity string, payload []byte) bool {
	ch, ok := r.lookup(identity)
	if !ok {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- ch.Send(ctx, payload) }()
	select {
	case err := <-done:
		if err != nil {
			r.log.Warn(ctx, "presence send failed", "identity", identity, "err", err)
			return false
		}
		return true
	case <-ctx.Done():
		r.log.Warn(ctx, "presence send timed out", "identity", identity, "timeout", r.sendTimeout.String())
		return false
	}
}

func (r *Registry) IsOnline(identity string) bool {
	_, ok := r.lookup(identity)
	return ok
}

// ListOnline returns a sorted snapshot of registered identities.
func (r *Registry) ListOnline() []string {
	out := make([]string, 0, r.count.Load())
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for id := range s.entries {
			out = append(out, id)
		}
		s.mu.RUnlock()
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Count() int {
	return int(r.count.Load())
}
