// Package pgnotify is a PostgreSQL LISTEN/NOTIFY relay used to fan trace
// events out to every admin-API process sharing one Postgres instance, so
// multiple readers get one trace/event feed without polling a file. It is
// optional: the control plane runs on an in-process bus by itself and only
// dials Postgres when TRACE_NOTIFY_DSN is configured.
package pgnotify

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Handler receives the raw JSON payload of a relayed notification. This is
// a type alias (not a defined type) so callers can pass a plain
// func([]byte) literal and so it satisfies narrower consumer interfaces
// structurally.
type Handler = func(payload []byte)

// Bus relays a single logical channel over Postgres NOTIFY/LISTEN.
type Bus struct {
	db       *sql.DB
	listener *pq.Listener
	channel  string

	handler Handler
	done    chan struct{}
}

// New opens a Postgres connection and starts listening on channel. Publish
// calls issue pg_notify; incoming notifications (including the process's
// own) are delivered to handler once Listen is called.
func New(dsn, channel string) (*Bus, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgnotify: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgnotify: ping: %w", err)
	}

	reportProblem := func(_ pq.ListenerEventType, err error) {
		if err != nil {
			fmt.Printf("pgnotify: listener error: %v\n", err)
		}
	}
	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)
	if err := listener.Listen(channel); err != nil {
		db.Close()
		listener.Close()
		return nil, fmt.Errorf("pgnotify: listen %s: %w", channel, err)
	}

	return &Bus{db: db, listener: listener, channel: channel, done: make(chan struct{})}, nil
}

// Publish sends a pre-encoded payload (the caller is expected to have
// already run it through redaction) to every listener on this channel,
// including other processes.
func (b *Bus) Publish(ctx context.Context, payload []byte) error {
	_, err := b.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", b.channel, string(payload))
	if err != nil {
		return fmt.Errorf("pgnotify: notify: %w", err)
	}
	return nil
}

// Listen starts delivering incoming notifications to handler. It runs until
// Close is called; reconnects are handled transparently by pq.Listener.
func (b *Bus) Listen(handler Handler) {
	b.handler = handler
	go b.loop()
}

func (b *Bus) loop() {
	for {
		select {
		case <-b.done:
			return
		case notification := <-b.listener.Notify:
			if notification == nil {
				continue // connection dropped; pq.Listener reconnects and relists
			}
			if b.handler != nil {
				b.handler([]byte(notification.Extra))
			}
		case <-time.After(90 * time.Second):
			go b.listener.Ping()
		}
	}
}

// Close stops the relay and releases the underlying connections.
func (b *Bus) Close() error {
	close(b.done)
	if err := b.listener.Close(); err != nil {
		b.db.Close()
		return err
	}
	return b.db.Close()
}
