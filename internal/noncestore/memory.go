package noncestore

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store for single-instance deployments. Expired
// entries are reclaimed lazily on lookup and by a background sweep.
type Memory struct {
	mu      sync.Mutex
	entries map[string]time.Time // nonce -> expiry

	now  func() time.Time
	done chan struct{}
	once sync.Once
}

// NewMemory creates an in-memory store. sweepEvery bounds how long an
// expired entry can linger; zero disables the background sweep and relies
// on lazy expiry alone.
func NewMemory(sweepEvery time.Duration) *Memory {
	m := &Memory{
		entries: make(map[string]time.Time),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if sweepEvery > 0 {
		go m.sweepLoop(sweepEvery)
	}
	return m
}

func (m *Memory) PutIfAbsent(_ context.Context, nonce string, ttl time.Duration) (bool, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if expiry, ok := m.entries[nonce]; ok && expiry.After(now) {
		return false, nil
	}
	m.entries[nonce] = now.Add(ttl)
	return true, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

// Len returns the number of live entries, counting out anything expired.
func (m *Memory) Len() int {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, expiry := range m.entries {
		if expiry.After(now) {
			n++
		}
	}
	return n
}

func (m *Memory) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Memory) sweep() {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	for nonce, expiry := range m.entries {
		if !expiry.After(now) {
			delete(m.entries, nonce)
		}
	}
}
