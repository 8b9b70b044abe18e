package ratelimit

import (
	"sync"
	"time"
)

// memoryWindow is the in-process sliding log used while the store is
// unreachable. One coarse lock guards every key's timestamp list.
type memoryWindow struct {
	mu   sync.Mutex
	keys map[string]*memoryKey
}

type memoryKey struct {
	times    []time.Time // ascending
	window   time.Duration
	lastSeen time.Time
}

func newMemoryWindow() *memoryWindow {
	return &memoryWindow{keys: make(map[string]*memoryKey)}
}

// check applies the same remove/count/add sequence as the store path.
// maxEntries bounds the list; the oldest entries go first.
func (m *memoryWindow) check(key string, w Window, now time.Time, penalize bool, maxEntries int) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[key]
	if !ok {
		k = &memoryKey{}
		m.keys[key] = k
	}
	k.window = w.Length
	k.lastSeen = now

	windowStart := now.Add(-w.Length)
	drop := 0
	for drop < len(k.times) && !k.times[drop].After(windowStart) {
		drop++
	}
	k.times = k.times[drop:]

	count := len(k.times)
	if count >= w.Quota {
		res := Result{
			Allowed:           false,
			RetryAfterSeconds: retryAfterSeconds(k.times[0], w.Length, now),
			Mode:              ModeMemory,
		}
		if penalize {
			k.times = append(k.times, now)
			if len(k.times) > maxEntries {
				k.times = append(k.times[:0], k.times[len(k.times)-maxEntries:]...)
			}
		}
		return res
	}

	k.times = append(k.times, now)
	return Result{Allowed: true, Remaining: w.Quota - count - 1, Mode: ModeMemory}
}

// prune drops keys idle for longer than their window plus slack.
func (m *memoryWindow) prune(now time.Time, slack time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, k := range m.keys {
		if now.Sub(k.lastSeen) > k.window+slack {
			delete(m.keys, key)
			removed++
		}
	}
	return removed
}

func (m *memoryWindow) size(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[key]; ok {
		return len(k.times)
	}
	return 0
}

func (m *memoryWindow) keyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}
