package encryption

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"

	"github.com/nexus-im/messaging/internal/apperr"
	"github.com/nexus-im/messaging/internal/keystore"
)

const hkdfInfo = "nexus-e2ee-v1"

// E2EE is the asymmetric scheme: a P-256 key-agreement pair per user. Only the
// public key leaves the device; every message is sealed under a key derived
// from ECDH between the two parties.
type E2EE struct {
	keys  keystore.Store
	users UserSource
	log   zerolog.Logger
}

func NewE2EE(keys keystore.Store, users UserSource, log zerolog.Logger) *E2EE {
	return &E2EE{keys: keys, users: users, log: log}
}

func (e *E2EE) privateKey(ctx context.Context) (*ecdh.PrivateKey, error) {
	uid, ok := e.users.CurrentUserID()
	if !ok {
		return nil, apperr.Unauthenticated("no signed-in user")
	}
	name := "e2ee/" + uid

	raw, err := e.keys.Get(ctx, name)
	if errors.Is(err, keystore.ErrNotFound) {
		var priv *ecdh.PrivateKey
		priv, err = ecdh.P256().GenerateKey(rand.Reader)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeKeyGenerationFailed, "generate key pair", err)
		}
		raw, err = e.keys.CreateIfAbsent(ctx, name, priv.Bytes())
		if err == nil {
			e.log.Info().Str("user_id", uid).Msg("e2ee key pair ready")
		}
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeKeyGenerationFailed, "load key pair", err)
	}

	priv, err := ecdh.P256().NewPrivateKey(raw)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeKeyGenerationFailed, "parse key pair", err)
	}
	return priv, nil
}

// InitializeE2EE creates the user's key pair if none exists and returns the
// base64 public key to publish for conversation partners.
func (e *E2EE) InitializeE2EE(ctx context.Context) (string, error) {
	priv, err := e.privateKey(ctx)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(priv.PublicKey().Bytes()), nil
}

func (e *E2EE) sharedKey(ctx context.Context, peerPublicKey string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(peerPublicKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "malformed public key", err)
	}
	peer, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "malformed public key", err)
	}
	priv, err := e.privateKey(ctx)
	if err != nil {
		return nil, err
	}
	secret, err := priv.ECDH(peer)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeValidation, "key agreement", err)
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)), key); err != nil {
		return nil, apperr.Wrap(apperr.CodeKeyGenerationFailed, "derive message key", err)
	}
	return key, nil
}

// EncryptMessage seals text for the holder of recipientPublicKey.
func (e *E2EE) EncryptMessage(ctx context.Context, text, recipientPublicKey string) (string, error) {
	key, err := e.sharedKey(ctx, recipientPublicKey)
	if err != nil {
		return "", err
	}
	out, err := seal(key, []byte(text))
	if err != nil {
		return "", apperr.Wrap(apperr.CodeKeyGenerationFailed, "encrypt message", err)
	}
	return out, nil
}

// DecryptMessage opens a message sealed by the holder of senderPublicKey.
func (e *E2EE) DecryptMessage(ctx context.Context, ciphertext, senderPublicKey string) (string, error) {
	key, err := e.sharedKey(ctx, senderPublicKey)
	if err != nil {
		return "", err
	}
	plain, err := open(key, ciphertext)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeDecryptionFailed, "decrypt message", err)
	}
	return string(plain), nil
}

// EncryptGroupMessage is not supported under the asymmetric scheme.
func (e *E2EE) EncryptGroupMessage(ctx context.Context, text string, recipientPublicKeys []string) (string, error) {
	return "", apperr.Wrap(apperr.CodeNotImplemented, "group end-to-end encryption", ErrNotImplemented)
}
