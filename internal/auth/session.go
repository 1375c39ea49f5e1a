package auth

import (
	"sync"

	"github.com/rs/zerolog"
)

// State is a snapshot of the authentication state.
type State struct {
	UserID        string
	Authenticated bool
}

// Session tracks the signed-in user and notifies subscribers when that
// changes. Subscribers always see the latest state; intermediate states may be
// skipped if they fall behind.
type Session struct {
	auth *Authenticator
	log  zerolog.Logger

	mu        sync.Mutex
	state     State
	nextID    int
	listeners map[int]chan State
}

func NewSession(auth *Authenticator, log zerolog.Logger) *Session {
	return &Session{
		auth:      auth,
		log:       log,
		listeners: make(map[int]chan State),
	}
}

// SignIn validates token and makes its subject the current user.
func (s *Session) SignIn(token string) (*Claims, error) {
	claims, err := s.auth.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	s.set(State{UserID: claims.UserID, Authenticated: true})
	s.log.Info().Str("user_id", claims.UserID).Msg("signed in")
	return claims, nil
}

func (s *Session) SignOut() {
	s.set(State{})
	s.log.Info().Msg("signed out")
}

// CurrentUserID returns the signed-in user, if any.
func (s *Session) CurrentUserID() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.UserID, s.state.Authenticated
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe returns a channel that immediately receives the current state and
// then every change. cancel unsubscribes and closes the channel.
func (s *Session) Subscribe() (<-chan State, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan State, 1)
	ch <- s.state
	s.listeners[id] = ch
	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.listeners[id]; ok {
			delete(s.listeners, id)
			close(c)
		}
	}
	return ch, cancel
}

func (s *Session) set(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st == s.state {
		return
	}
	s.state = st
	for _, ch := range s.listeners {
		// Replace an unread older state.
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}
