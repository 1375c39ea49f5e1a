// Package encryption encrypts message bodies and previews and manages the
// lifecycle of the signed-in user's local key.
package encryption

import (
	"context"
	"crypto/rand"
	"errors"

	"github.com/rs/zerolog"

	"github.com/nexus-im/messaging/internal/apperr"
	"github.com/nexus-im/messaging/internal/keystore"
)

const (
	// FallbackMessage replaces a message body that cannot be decrypted.
	FallbackMessage = "Unable to decrypt message"
	// FallbackPreview replaces a conversation preview that cannot be decrypted.
	FallbackPreview = "Message"

	PreviewLength = 50
	keySize       = 32
)

var (
	ErrKeyGenerationFailed = apperr.New(apperr.CodeKeyGenerationFailed, "encryption key generation failed")
	ErrDecryptionFailed    = apperr.New(apperr.CodeDecryptionFailed, "message decryption failed")
	ErrNotImplemented      = apperr.New(apperr.CodeNotImplemented, "not implemented")
)

// UserSource reports the signed-in user. Key material is scoped to that user.
type UserSource interface {
	CurrentUserID() (string, bool)
}

// Service is the symmetric scheme: one AES-256 key per user, kept on this
// device and never sent anywhere.
type Service struct {
	keys  keystore.Store
	users UserSource
	log   zerolog.Logger
}

func NewService(keys keystore.Store, users UserSource, log zerolog.Logger) *Service {
	return &Service{keys: keys, users: users, log: log}
}

func (s *Service) keyName() (string, error) {
	uid, ok := s.users.CurrentUserID()
	if !ok {
		return "", apperr.Unauthenticated("no signed-in user")
	}
	return "msgkey/" + uid, nil
}

// userKey returns the current user's key, generating it on first use.
func (s *Service) userKey(ctx context.Context) ([]byte, error) {
	name, err := s.keyName()
	if err != nil {
		return nil, err
	}
	key, err := s.keys.Get(ctx, name)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, keystore.ErrNotFound) {
		return nil, apperr.Wrap(apperr.CodeKeyGenerationFailed, "read encryption key", err)
	}

	fresh := make([]byte, keySize)
	if _, err := rand.Read(fresh); err != nil {
		return nil, apperr.Wrap(apperr.CodeKeyGenerationFailed, "generate encryption key", err)
	}
	key, err = s.keys.CreateIfAbsent(ctx, name, fresh)
	if err != nil {
		return nil, apperr.Wrap(apperr.CodeKeyGenerationFailed, "store encryption key", err)
	}
	s.log.Debug().Str("key", name).Msg("encryption key ready")
	return key, nil
}

// EncryptMessage encrypts plaintext under the user's key and returns a base64
// string safe to store and transmit.
func (s *Service) EncryptMessage(ctx context.Context, plaintext string) (string, error) {
	key, err := s.userKey(ctx)
	if err != nil {
		return "", err
	}
	out, err := seal(key, []byte(plaintext))
	if err != nil {
		return "", apperr.Wrap(apperr.CodeKeyGenerationFailed, "encrypt message", err)
	}
	return out, nil
}

// DecryptMessage fails with ErrDecryptionFailed when the local key cannot open
// ciphertext.
func (s *Service) DecryptMessage(ctx context.Context, ciphertext string) (string, error) {
	key, err := s.userKey(ctx)
	if err != nil {
		return "", err
	}
	plain, err := open(key, ciphertext)
	if err != nil {
		return "", apperr.Wrap(apperr.CodeDecryptionFailed, "decrypt message", err)
	}
	return string(plain), nil
}

func (s *Service) DecryptMessagePreview(ctx context.Context, ciphertext string) (string, error) {
	plain, err := s.DecryptMessage(ctx, ciphertext)
	if err != nil {
		return "", err
	}
	return TruncatePreview(plain), nil
}

// SafeDecryptMessage never fails; undecryptable input yields FallbackMessage.
func (s *Service) SafeDecryptMessage(ctx context.Context, ciphertext string) string {
	plain, err := s.DecryptMessage(ctx, ciphertext)
	if err != nil {
		s.log.Debug().Err(err).Msg("message fell back to placeholder")
		return FallbackMessage
	}
	return plain
}

// SafeDecryptMessagePreview never fails; undecryptable input yields
// FallbackPreview.
func (s *Service) SafeDecryptMessagePreview(ctx context.Context, ciphertext string) string {
	preview, err := s.DecryptMessagePreview(ctx, ciphertext)
	if err != nil {
		s.log.Debug().Err(err).Msg("preview fell back to placeholder")
		return FallbackPreview
	}
	return preview
}

func (s *Service) HasUserKey(ctx context.Context) bool {
	name, err := s.keyName()
	if err != nil {
		return false
	}
	_, err = s.keys.Get(ctx, name)
	return err == nil
}

// GenerateNewUserKey returns the user's key, creating one only when none is
// stored. A working key is never replaced; use ResetUserKey for that.
func (s *Service) GenerateNewUserKey(ctx context.Context) ([]byte, error) {
	return s.userKey(ctx)
}

// ResetUserKey replaces the user's key. Messages encrypted under the old key
// become undecryptable on this device.
func (s *Service) ResetUserKey(ctx context.Context) error {
	name, err := s.keyName()
	if err != nil {
		return err
	}
	fresh := make([]byte, keySize)
	if _, err := rand.Read(fresh); err != nil {
		return apperr.Wrap(apperr.CodeKeyGenerationFailed, "generate encryption key", err)
	}
	if err := s.keys.Set(ctx, name, fresh); err != nil {
		return apperr.Wrap(apperr.CodeKeyGenerationFailed, "store encryption key", err)
	}
	s.log.Info().Str("key", name).Msg("encryption key reset")
	return nil
}

// TruncatePreview cuts text to PreviewLength characters and appends "..."
// when it was longer.
func TruncatePreview(text string) string {
	r := []rune(text)
	if len(r) <= PreviewLength {
		return text
	}
	return string(r[:PreviewLength]) + "..."
}
