// Package realtime keeps the unread-conversations count fresh while a user
// is signed in.
package realtime

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nexus-im/messaging/internal/auth"
)

// Counter computes the number of conversations with unread messages.
type Counter interface {
	CalculateUnreadConversationsCount(ctx context.Context, userID string) (int, error)
}

// Source decides when the count should be refreshed. Run calls notify for
// every trigger until ctx is done.
type Source interface {
	Run(ctx context.Context, notify func()) error
}

type run struct {
	userID  string
	cancel  context.CancelFunc
	trigger chan struct{}
	done    chan struct{}
}

// Manager owns the refresh loop. All refreshes for a signed-in user run on
// one goroutine; triggers that arrive while a refresh is in flight collapse
// into a single follow-up refresh.
type Manager struct {
	counter Counter
	source  Source
	log     zerolog.Logger

	// life serializes Start and Stop.
	life sync.Mutex

	mu        sync.Mutex
	current   *run
	count     int
	nextID    int
	listeners map[int]chan int
}

func NewManager(counter Counter, source Source, log zerolog.Logger) *Manager {
	return &Manager{
		counter:   counter,
		source:    source,
		log:       log,
		listeners: make(map[int]chan int),
	}
}

// Start begins refreshing for userID and computes the count once right away.
// Starting for the user already being tracked is a no-op; starting for a
// different user stops the previous run first.
func (m *Manager) Start(ctx context.Context, userID string) {
	m.life.Lock()
	defer m.life.Unlock()

	m.mu.Lock()
	if m.current != nil && m.current.userID == userID {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.stop()

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		userID:  userID,
		cancel:  cancel,
		trigger: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	m.mu.Lock()
	m.current = r
	m.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.loop(runCtx, r)
	}()
	go func() {
		defer wg.Done()
		if err := m.source.Run(runCtx, m.UpdateUnreadCountImmediately); err != nil && runCtx.Err() == nil {
			m.log.Warn().Err(err).Str("user_id", userID).Msg("refresh source stopped")
		}
	}()
	go func() {
		wg.Wait()
		close(r.done)
	}()

	m.log.Info().Str("user_id", userID).Msg("realtime started")
	m.UpdateUnreadCountImmediately()
}

// Stop ends the current run, waits for it to wind down and resets the
// published count to zero. Results of a refresh still in flight are dropped.
func (m *Manager) Stop() {
	m.life.Lock()
	defer m.life.Unlock()
	m.stop()
}

func (m *Manager) stop() {
	m.mu.Lock()
	r := m.current
	m.current = nil
	if r != nil {
		r.cancel()
	}
	m.setCountLocked(0)
	m.mu.Unlock()

	if r != nil {
		<-r.done
		m.log.Info().Str("user_id", r.userID).Msg("realtime stopped")
	}
}

// UpdateUnreadCountImmediately requests a refresh without waiting for the
// next trigger from the source. It never blocks.
func (m *Manager) UpdateUnreadCountImmediately() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return
	}
	select {
	case m.current.trigger <- struct{}{}:
	default:
	}
}

// UnreadConversationsCount returns the last published count.
func (m *Manager) UnreadConversationsCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// Subscribe returns a channel that receives the current count and then every
// change. A slow reader only misses intermediate values.
func (m *Manager) Subscribe() (<-chan int, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan int, 1)
	ch <- m.count
	m.listeners[id] = ch
	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.listeners[id]; ok {
			delete(m.listeners, id)
			close(c)
		}
	}
	return ch, cancel
}

// Watch follows authentication changes: it starts for every signed-in user
// and stops on sign-out. It returns when states closes or ctx is done, with
// the manager stopped.
func (m *Manager) Watch(ctx context.Context, states <-chan auth.State) {
	defer m.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-states:
			if !ok {
				return
			}
			if st.Authenticated {
				m.Start(ctx, st.UserID)
			} else {
				m.Stop()
			}
		}
	}
}

func (m *Manager) loop(ctx context.Context, r *run) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.trigger:
		}

		n, err := m.counter.CalculateUnreadConversationsCount(ctx, r.userID)

		m.mu.Lock()
		switch {
		case m.current != r || ctx.Err() != nil:
		case err != nil:
			m.log.Warn().Err(err).Str("user_id", r.userID).Msg("unread refresh failed")
		default:
			m.setCountLocked(n)
		}
		m.mu.Unlock()
	}
}

func (m *Manager) setCountLocked(n int) {
	if n == m.count {
		return
	}
	m.count = n
	for _, ch := range m.listeners {
		select {
		case <-ch:
		default:
		}
		ch <- n
	}
}
