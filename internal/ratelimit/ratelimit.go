// Package ratelimit implements sliding-window admission checks keyed by an
// arbitrary string such as a source address or a user identity.
package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// Limiter admits at most a fixed number of events per key within a rolling
// window. Allow records the event when it admits it.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

const shardCount = 32

// SlidingWindow keeps a timestamp log per key in process memory.
type SlidingWindow struct {
	limit  int
	window time.Duration
	now    func() time.Time
	shards [shardCount]windowShard
}

type windowShard struct {
	mu   sync.Mutex
	logs map[string][]time.Time
}

func NewSlidingWindow(limit int, window time.Duration) *SlidingWindow {
	w := &SlidingWindow{limit: limit, window: window, now: time.Now}
	for i := range w.shards {
		w.shards[i].logs = make(map[string][]time.Time)
	}
	return w
}

func (w *SlidingWindow) shard(key string) *windowShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &w.shards[h.Sum32()%shardCount]
}

func (w *SlidingWindow) Allow(_ context.Context, key string) (bool, error) {
	if w.limit <= 0 {
		return true, nil
	}
	now := w.now()
	cutoff := now.Add(-w.window)
	s := w.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	log := trim(s.logs[key], cutoff)
	if len(log) >= w.limit {
		s.logs[key] = log
		return false, nil
	}
	s.logs[key] = append(log, now)
	return true, nil
}

// Forget drops the log for key.
func (w *SlidingWindow) Forget(key string) {
	s := w.shard(key)
	s.mu.Lock()
	delete(s.logs, key)
	s.mu.Unlock()
}

// Prune removes keys whose events have all aged out of the window.
func (w *SlidingWindow) Prune() int {
	cutoff := w.now().Add(-w.window)
	removed := 0
	for i := range w.shards {
		s := &w.shards[i]
		s.mu.Lock()
		for key, log := range s.logs {
			if log = trim(log, cutoff); len(log) == 0 {
				delete(s.logs, key)
				removed++
			} else {
				s.logs[key] = log
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// RunPruner calls Prune every interval until ctx ends.
func (w *SlidingWindow) RunPruner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Prune()
		}
	}
}

func trim(log []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return log
	}
	return append(log[:0], log[i:]...)
}
