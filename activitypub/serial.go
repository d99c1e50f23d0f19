package activitypub

import (
	"context"
	"sync"
)

// serializer runs functions sharing a key one at a time, in the order Do
// was called. Functions with different keys run concurrently.
type serializer struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
	depth map[string]int

	// onQueue, if set, is called with +1/-1 as callers start and stop waiting.
	onQueue func(delta int)
}

func newSerializer() *serializer {
	return &serializer{
		tails: make(map[string]chan struct{}),
		depth: make(map[string]int),
	}
}

// Do waits for earlier calls with the same key to finish, then runs fn.
// If ctx is cancelled while waiting, Do returns ctx.Err() without running
// fn; later callers still wait for the earlier ones.
func (s *serializer) Do(ctx context.Context, key string, fn func() error) error {
	s.mu.Lock()
	prev := s.tails[key]
	done := make(chan struct{})
	s.tails[key] = done
	s.depth[key]++
	s.mu.Unlock()

	finish := func() {
		close(done)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.tails[key] == done {
			delete(s.tails, key)
		}
		if s.depth[key]--; s.depth[key] == 0 {
			delete(s.depth, key)
		}
	}

	if prev != nil {
		s.queued(1)
		select {
		case <-prev:
			s.queued(-1)
		case <-ctx.Done():
			s.queued(-1)
			go func() {
				<-prev
				finish()
			}()
			return ctx.Err()
		}
	}
	defer finish()
	return fn()
}

// pending returns the number of calls for key that are running or waiting.
func (s *serializer) pending(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.depth[key]
}

func (s *serializer) queued(delta int) {
	if s.onQueue != nil {
		s.onQueue(delta)
	}
}
