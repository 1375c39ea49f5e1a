package cli

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/nexus-im/messaging/internal/auth"
	"github.com/nexus-im/messaging/internal/config"
	"github.com/nexus-im/messaging/internal/keystore"
	"github.com/nexus-im/messaging/internal/logging"
	"github.com/nexus-im/messaging/internal/messaging"
	"github.com/nexus-im/messaging/internal/realtime"
	"github.com/nexus-im/messaging/store/chat"
)

// tokenValidity is how long tokens minted by the token command last.
const tokenValidity = 24 * time.Hour

// app is everything a command needs, opened from configuration.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	db      *sql.DB
	keys    *keystore.SQLiteStore
	session *auth.Session
	core    *messaging.Messaging
}

func loadConfig(opts *RootOptions, stderr io.Writer) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return nil, zerolog.Nop(), WrapExitError(ExitCommandError, "load config", err)
	}
	if opts.Verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, logging.New(cfg.Log, stderr), nil
}

func newAuthenticator(cfg *config.Config) *auth.Authenticator {
	return auth.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.Issuer, tokenValidity)
}

// openDB connects to the backend database only.
func openDB(ctx context.Context, opts *RootOptions, stderr io.Writer) (*config.Config, zerolog.Logger, *sql.DB, error) {
	cfg, log, err := loadConfig(opts, stderr)
	if err != nil {
		return nil, log, nil, err
	}
	db, err := chat.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, log, nil, WrapExitError(ExitCommandError, "connect to database", err)
	}
	return cfg, log, db, nil
}

// openApp signs in with the configured token and assembles the messaging
// core over PostgreSQL and the local key file.
func openApp(ctx context.Context, opts *RootOptions, stderr io.Writer) (*app, error) {
	cfg, log, db, err := openDB(ctx, opts, stderr)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, db: db}

	if cfg.Auth.Token == "" {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "auth.token is required", nil)
	}
	a.session = auth.NewSession(newAuthenticator(cfg), log.With().Str("component", "session").Logger())
	if _, err := a.session.SignIn(cfg.Auth.Token); err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "sign in", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Keystore.Path), 0o700); err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "create key directory", err)
	}
	a.keys, err = keystore.Open(cfg.Keystore.Path, cfg.Keystore.Passphrase)
	if err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "open key store", err)
	}

	a.core, err = messaging.New(messaging.Dependencies{
		Backend: chat.NewSQLBackend(db),
		Keys:    a.keys,
		Session: a.session,
		Source:  refreshSource(cfg, log),
		Log:     log,
	})
	if err != nil {
		a.Close()
		return nil, WrapExitError(ExitCommandError, "start messaging", err)
	}
	return a, nil
}

// refreshSource polls, and also listens for pushes when a push URL is
// configured.
func refreshSource(cfg *config.Config, log zerolog.Logger) realtime.Source {
	poll := realtime.PollingSource{Interval: cfg.Realtime.PollInterval}
	if cfg.Realtime.PushURL == "" {
		return poll
	}
	push := realtime.WebSocketSource{
		URL:    cfg.Realtime.PushURL,
		Header: http.Header{"Authorization": []string{"Bearer " + cfg.Auth.Token}},
		Log:    log.With().Str("component", "push").Logger(),
	}
	return realtime.Combine(poll, push)
}

func (a *app) userID() string {
	uid, _ := a.session.CurrentUserID()
	return uid
}

func (a *app) Close() {
	if a.core != nil {
		a.core.Close()
	}
	if a.keys != nil {
		if err := a.keys.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close key store")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn().Err(err).Msg("close database")
		}
	}
}
