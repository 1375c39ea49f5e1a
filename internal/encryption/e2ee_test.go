package encryption

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-im/messaging/internal/apperr"
	"github.com/nexus-im/messaging/internal/keystore"
)

func TestE2EE_RoundTripBetweenUsers(t *testing.T) {
	ctx := context.Background()
	alice := NewE2EE(keystore.NewMemoryStore(), staticUser("alice"), zerolog.Nop())
	bob := NewE2EE(keystore.NewMemoryStore(), staticUser("bob"), zerolog.Nop())

	alicePub, err := alice.InitializeE2EE(ctx)
	require.NoError(t, err)
	bobPub, err := bob.InitializeE2EE(ctx)
	require.NoError(t, err)

	again, err := alice.InitializeE2EE(ctx)
	require.NoError(t, err)
	assert.Equal(t, alicePub, again)

	ct, err := alice.EncryptMessage(ctx, "for bob only", bobPub)
	require.NoError(t, err)

	got, err := bob.DecryptMessage(ctx, ct, alicePub)
	require.NoError(t, err)
	assert.Equal(t, "for bob only", got)

	eve := NewE2EE(keystore.NewMemoryStore(), staticUser("eve"), zerolog.Nop())
	_, err = eve.DecryptMessage(ctx, ct, alicePub)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestE2EE_MalformedPublicKey(t *testing.T) {
	e := NewE2EE(keystore.NewMemoryStore(), staticUser("alice"), zerolog.Nop())

	_, err := e.EncryptMessage(context.Background(), "hi", "AAAA")
	assert.True(t, apperr.HasCode(err, apperr.CodeValidation))
}

func TestE2EE_GroupNotImplemented(t *testing.T) {
	e := NewE2EE(keystore.NewMemoryStore(), staticUser("alice"), zerolog.Nop())

	_, err := e.EncryptGroupMessage(context.Background(), "hi", []string{"k1", "k2"})
	assert.ErrorIs(t, err, ErrNotImplemented)
	assert.Equal(t, apperr.CodeNotImplemented, apperr.CodeOf(err))
}
