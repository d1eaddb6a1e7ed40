package postgres

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/crosslist/relister"
	"github.com/crosslist/relister/store"
)

// reconnectDelay is the pause before re-establishing a dropped
// listener connection.
const reconnectDelay = 5 * time.Second

// Notifications opens a dedicated LISTEN connection and streams
// decoded job-creation events until the context is cancelled or the
// store is closed. Connection drops reconnect automatically; events
// raised while disconnected are lost, which is acceptable because
// workers also poll.
func (s *Store) Notifications(ctx context.Context) (<-chan store.Notification, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, relister.ErrStoreClosed
	}
	s.listenWG.Add(1)
	s.mu.Unlock()

	out := make(chan store.Notification, 64)
	go s.listen(ctx, out)
	return out, nil
}

func (s *Store) listen(ctx context.Context, out chan<- store.Notification) {
	defer s.listenWG.Done()
	defer close(out)

	connect := func() (*pgx.Conn, error) {
		c, err := pgx.Connect(ctx, s.connString)
		if err != nil {
			return nil, err
		}
		if _, err := c.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
			c.Close(ctx)
			return nil, err
		}
		return c, nil
	}

	conn, err := connect()
	if err != nil {
		s.logger.Error("listener connection failed", slog.String("error", err.Error()))
		return
	}
	defer func() { conn.Close(context.Background()) }()

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil || s.isClosed() {
				return
			}
			s.logger.Warn("listener dropped, reconnecting",
				slog.String("error", err.Error()),
			)
			conn.Close(context.Background())

			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(reconnectDelay):
				}
				c, cerr := connect()
				if cerr == nil {
					conn = c
					break
				}
				s.logger.Warn("listener reconnect failed", slog.String("error", cerr.Error()))
			}
			continue
		}

		var n store.Notification
		if err := json.Unmarshal([]byte(notification.Payload), &n); err != nil {
			s.logger.Warn("dropping malformed notification",
				slog.String("payload", notification.Payload),
				slog.String("error", err.Error()),
			)
			continue
		}

		select {
		case out <- n:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
