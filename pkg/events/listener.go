// Package events delivers change-feed wakeups over PostgreSQL LISTEN/NOTIFY.
//
// Appends NOTIFY the evt_feed channel inside their transaction; the
// notification is delivered on commit. Subscribers treat notifications as
// wakeup hints only — the event log remains the source of truth, so a missed
// NOTIFY costs latency, never data.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
)

// FeedHint is the decoded NOTIFY payload: where in the log something landed.
type FeedHint struct {
	StreamType string `json:"stream_type"`
	StreamID   string `json:"stream_id"`
	Seq        int64  `json:"seq"`
	Workspace  string `json:"workspace"`
}

// Listener holds a dedicated LISTEN connection and fans notifications out to
// registered handlers. The receive loop is the sole goroutine touching the
// pgx connection, which avoids the "conn busy" race between
// WaitForNotification and Exec.
type Listener struct {
	connString string
	channel    string

	conn   *pgx.Conn
	connMu sync.Mutex

	handlers   []func(FeedHint)
	handlersMu sync.RWMutex

	running    atomic.Bool
	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewListener creates a listener for the given NOTIFY channel.
func NewListener(connString, channel string) *Listener {
	return &Listener{connString: connString, channel: channel}
}

// OnHint registers a handler invoked for every notification. Handlers must
// be fast and non-blocking; slow consumers should buffer internally.
func (l *Listener) OnHint(fn func(FeedHint)) {
	l.handlersMu.Lock()
	defer l.handlersMu.Unlock()
	l.handlers = append(l.handlers, fn)
}

// Start establishes the dedicated connection, issues LISTEN, and begins the
// receive loop.
func (l *Listener) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return fmt.Errorf("failed to connect for LISTEN: %w", err)
	}

	sanitized := pgx.Identifier{l.channel}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+sanitized); err != nil {
		_ = conn.Close(ctx)
		return fmt.Errorf("LISTEN %s failed: %w", sanitized, err)
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
	l.running.Store(true)

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancelLoop = cancel
	l.loopDone = make(chan struct{})
	go func() {
		defer close(l.loopDone)
		l.receiveLoop(loopCtx)
	}()

	slog.Info("Feed listener started", "channel", l.channel)
	return nil
}

// Stop shuts down the receive loop and closes the connection.
func (l *Listener) Stop() {
	if !l.running.Swap(false) {
		return
	}
	if l.cancelLoop != nil {
		l.cancelLoop()
		<-l.loopDone
	}
	l.connMu.Lock()
	if l.conn != nil {
		_ = l.conn.Close(context.Background())
		l.conn = nil
	}
	l.connMu.Unlock()
	slog.Info("Feed listener stopped", "channel", l.channel)
}

// Running reports whether the listener is active (for the health endpoint).
func (l *Listener) Running() bool {
	return l.running.Load()
}

func (l *Listener) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		l.connMu.Lock()
		conn := l.conn
		l.connMu.Unlock()

		if conn == nil {
			l.reconnect(ctx)
			continue
		}

		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Feed listener lost connection, reconnecting", "error", err)
			l.connMu.Lock()
			_ = conn.Close(context.Background())
			l.conn = nil
			l.connMu.Unlock()
			continue
		}

		var hint FeedHint
		if err := json.Unmarshal([]byte(notification.Payload), &hint); err != nil {
			slog.Warn("Feed listener received malformed payload", "payload", notification.Payload)
			continue
		}
		l.dispatch(hint)
	}
}

func (l *Listener) dispatch(hint FeedHint) {
	l.handlersMu.RLock()
	defer l.handlersMu.RUnlock()
	for _, fn := range l.handlers {
		fn(hint)
	}
}

func (l *Listener) reconnect(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(2 * time.Second):
	}

	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		slog.Warn("Feed listener reconnect failed", "error", err)
		return
	}
	sanitized := pgx.Identifier{l.channel}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+sanitized); err != nil {
		slog.Warn("Feed listener re-LISTEN failed", "error", err)
		_ = conn.Close(ctx)
		return
	}

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
	slog.Info("Feed listener reconnected", "channel", l.channel)
}
