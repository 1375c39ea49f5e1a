package encryption

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-im/messaging/internal/apperr"
	"github.com/nexus-im/messaging/internal/keystore"
)

type staticUser string

func (u staticUser) CurrentUserID() (string, bool) { return string(u), u != "" }

func newService(user string) *Service {
	return NewService(keystore.NewMemoryStore(), staticUser(user), zerolog.Nop())
}

func TestService_RoundTrip(t *testing.T) {
	s := newService("alice")
	ctx := context.Background()

	tests := []struct {
		name  string
		plain string
	}{
		{"empty", ""},
		{"ascii", "hello"},
		{"unicode", "héllo wörld 👋 你好"},
		{"long", strings.Repeat("lorem ipsum ", 200)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct, err := s.EncryptMessage(ctx, tt.plain)
			require.NoError(t, err)
			if tt.plain != "" {
				assert.NotContains(t, ct, tt.plain)
			}

			got, err := s.DecryptMessage(ctx, ct)
			require.NoError(t, err)
			assert.Equal(t, tt.plain, got)
		})
	}
}

func TestService_ForeignKeyFallsBack(t *testing.T) {
	ctx := context.Background()
	alice := newService("alice")
	bob := newService("bob")

	ct, err := alice.EncryptMessage(ctx, "secret")
	require.NoError(t, err)

	_, err = bob.DecryptMessage(ctx, ct)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
	assert.Equal(t, "Unable to decrypt message", bob.SafeDecryptMessage(ctx, ct))
	assert.Equal(t, "Message", bob.SafeDecryptMessagePreview(ctx, ct))
}

func TestService_CorruptCiphertext(t *testing.T) {
	s := newService("alice")
	ctx := context.Background()

	for _, ct := range []string{"not base64!", "c2hvcnQ=", ""} {
		_, err := s.DecryptMessage(ctx, ct)
		assert.True(t, apperr.HasCode(err, apperr.CodeDecryptionFailed), "ciphertext %q", ct)
		assert.Equal(t, FallbackMessage, s.SafeDecryptMessage(ctx, ct))
	}
}

func TestService_ResetKeyInvalidatesOldMessages(t *testing.T) {
	s := newService("alice")
	ctx := context.Background()

	ct, err := s.EncryptMessage(ctx, "before reset")
	require.NoError(t, err)
	require.NoError(t, s.ResetUserKey(ctx))

	_, err = s.DecryptMessage(ctx, ct)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestService_KeyLifecycle(t *testing.T) {
	s := newService("alice")
	ctx := context.Background()

	assert.False(t, s.HasUserKey(ctx))

	first, err := s.GenerateNewUserKey(ctx)
	require.NoError(t, err)
	assert.Len(t, first, 32)
	assert.True(t, s.HasUserKey(ctx))

	second, err := s.GenerateNewUserKey(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second, "an existing key is never replaced")
}

func TestService_ConcurrentFirstUseConverges(t *testing.T) {
	s := newService("alice")
	ctx := context.Background()

	var wg sync.WaitGroup
	cts := make([]string, 8)
	for i := range cts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cts[i], _ = s.EncryptMessage(ctx, "hi")
		}(i)
	}
	wg.Wait()

	for _, ct := range cts {
		got, err := s.DecryptMessage(ctx, ct)
		require.NoError(t, err)
		assert.Equal(t, "hi", got)
	}
}

func TestService_Unauthenticated(t *testing.T) {
	s := newService("")
	ctx := context.Background()

	_, err := s.EncryptMessage(ctx, "hi")
	assert.True(t, apperr.HasCode(err, apperr.CodeUnauthenticated))
	assert.False(t, s.HasUserKey(ctx))
}

func TestTruncatePreview(t *testing.T) {
	exact := strings.Repeat("a", 50)
	long := strings.Repeat("é", 51)

	assert.Equal(t, "short", TruncatePreview("short"))
	assert.Equal(t, exact, TruncatePreview(exact))
	assert.Equal(t, strings.Repeat("é", 50)+"...", TruncatePreview(long))
}

func TestService_DecryptMessagePreview(t *testing.T) {
	s := newService("alice")
	ctx := context.Background()
	text := strings.Repeat("x", 80)

	ct, err := s.EncryptMessage(ctx, text)
	require.NoError(t, err)

	preview, err := s.DecryptMessagePreview(ctx, ct)
	require.NoError(t, err)
	assert.Equal(t, text[:50]+"...", preview)
}
