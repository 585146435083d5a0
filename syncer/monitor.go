// Package syncer is the offline-first core: it routes each mutation to the
// remote service or to the local mirror plus the pending queue depending on
// connectivity, replays the queue on reconnect, refreshes the mirror from the
// server, and keeps the denormalized product index consistent with its source
// table on every path.
// Copyright 2026 The fin-inventory-hub Authors
// SPDX-License-Identifier: Apache-2.0

package syncer

import (
	"sync"
	"sync/atomic"
)

// Monitor tracks the online/offline state. It mutates nothing itself; it is a
// signal source the router reads at dispatch time and the engine subscribes
// to. Transitions fire subscribers immediately, with no debouncing.
type Monitor struct {
	online int32

	mu          sync.Mutex
	subscribers []func(online bool)
}

// NewMonitor starts in the given state.
func NewMonitor(online bool) *Monitor {
	m := &Monitor{}
	if online {
		m.online = 1
	}
	return m
}

// Online reports the current state.
func (m *Monitor) Online() bool { return atomic.LoadInt32(&m.online) == 1 }

// Subscribe registers a callback invoked on every transition. Callbacks run
// synchronously on the goroutine that flips the state, in registration order.
func (m *Monitor) Subscribe(fn func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// SetOnline records a transition and notifies subscribers. Setting the state
// it already has is a no-op.
func (m *Monitor) SetOnline(online bool) {
	var next int32
	if online {
		next = 1
	}
	prev := atomic.SwapInt32(&m.online, next)
	if prev == next {
		return
	}

	m.mu.Lock()
	subs := make([]func(bool), len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}
