package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultPollInterval is the refresh period when nothing pushes updates.
const DefaultPollInterval = 10 * time.Second

// PollingSource triggers on a fixed interval.
type PollingSource struct {
	Interval time.Duration
}

func (p PollingSource) Run(ctx context.Context, notify func()) error {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			notify()
		}
	}
}

// WebSocketSource triggers once per frame received from a push endpoint and
// once after every (re)connect to catch up on anything missed. Lost
// connections are redialed with exponential backoff.
type WebSocketSource struct {
	URL        string
	Header     http.Header
	Dialer     *websocket.Dialer
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Log        zerolog.Logger
}

func (w WebSocketSource) Run(ctx context.Context, notify func()) error {
	dialer := w.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	minBackoff, maxBackoff := w.MinBackoff, w.MaxBackoff
	if minBackoff <= 0 {
		minBackoff = 500 * time.Millisecond
	}
	if maxBackoff < minBackoff {
		maxBackoff = 30 * time.Second
	}

	backoff := minBackoff
	for {
		conn, _, err := dialer.DialContext(ctx, w.URL, w.Header)
		if err == nil {
			backoff = minBackoff
			notify()
			err = w.read(ctx, conn, notify)
		}
		if ctx.Err() != nil {
			return nil
		}
		w.Log.Debug().Err(err).Dur("backoff", backoff).Msg("push connection lost")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (w WebSocketSource) read(ctx context.Context, conn *websocket.Conn, notify func()) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
		notify()
	}
}

// Combine runs every source and triggers on any of them. It returns when ctx
// is done or the first source fails.
func Combine(sources ...Source) Source {
	return combined(sources)
}

type combined []Source

func (c combined) Run(ctx context.Context, notify func()) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range c {
		g.Go(func() error { return s.Run(ctx, notify) })
	}
	return g.Wait()
}
