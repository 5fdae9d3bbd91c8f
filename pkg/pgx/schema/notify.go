package schema

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ReloadPayload is the NOTIFY payload that triggers a full refresh, following PostgREST's
// convention (https://docs.postgrest.org/en/stable/references/schema_cache.html):
//
//	NOTIFY pgrest, 'reload schema';
const ReloadPayload = "reload schema"

// Listen subscribes conn to channel and refreshes c whenever ReloadPayload is received.
// It blocks until ctx is done or the connection fails. conn must be dedicated to the
// listener.
func Listen(ctx context.Context, conn *pgx.Conn, channel string, c *Cache) error {
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	c.logger.Info("listening for schema reload notifications", zap.String("channel", channel))

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		if n.Payload != ReloadPayload {
			continue
		}
		if err := c.RefreshAll(ctx); err != nil {
			c.logger.Warn("schema reload failed", zap.Error(err))
		}
	}
}
