package auth

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T) (*Session, *Authenticator) {
	t.Helper()
	a := NewAuthenticator("secret", "nexus", time.Hour)
	return NewSession(a, zerolog.Nop()), a
}

func TestSession_SignInAndOut(t *testing.T) {
	s, a := newTestSession(t)

	_, ok := s.CurrentUserID()
	assert.False(t, ok)

	token, err := a.GenerateToken("u1", "alice")
	require.NoError(t, err)
	claims, err := s.SignIn(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)

	uid, ok := s.CurrentUserID()
	assert.True(t, ok)
	assert.Equal(t, "u1", uid)

	s.SignOut()
	_, ok = s.CurrentUserID()
	assert.False(t, ok)
}

func TestSession_RejectsBadToken(t *testing.T) {
	s, _ := newTestSession(t)

	_, err := s.SignIn("not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.Equal(t, State{}, s.State())
}

func TestSession_SubscribersSeeLatestState(t *testing.T) {
	s, a := newTestSession(t)
	states, cancel := s.Subscribe()
	defer cancel()

	assert.Equal(t, State{}, <-states)

	t1, _ := a.GenerateToken("u1", "alice")
	t2, _ := a.GenerateToken("u2", "bob")
	_, err := s.SignIn(t1)
	require.NoError(t, err)
	_, err = s.SignIn(t2)
	require.NoError(t, err)

	assert.Equal(t, State{UserID: "u2", Authenticated: true}, <-states)

	s.SignOut()
	assert.Equal(t, State{}, <-states)
}

func TestSession_CancelClosesChannel(t *testing.T) {
	s, _ := newTestSession(t)
	states, cancel := s.Subscribe()
	<-states
	cancel()

	_, ok := <-states
	assert.False(t, ok)
	s.SignOut()
}
