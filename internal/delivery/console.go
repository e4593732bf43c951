package delivery

import (
	"context"
	"fmt"
	"io"
	"sync"

	"chime/internal/notification"
	logx "chime/pkg/logx"
)

// Console prints fired notifications. With a nil writer it only logs.
type Console struct {
	log logx.Logger

	mu sync.Mutex
	w  io.Writer
}

var _ AckChannel = (*Console)(nil)

func NewConsole(w io.Writer, log logx.Logger) *Console {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Console{w: w, log: log}
}

func (c *Console) Name() string { return "console" }

func (c *Console) Deliver(ctx context.Context, r notification.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.log.Info("notification",
		logx.String("id", r.ID),
		logx.String("title", r.Title),
		logx.String("body", r.Body),
	)
	return c.printf("🔔 %s\n   %s\n   ack: %s\n", r.Title, r.Body, r.ID)
}

func (c *Console) Acknowledged(_ context.Context, r notification.Record) error {
	c.log.Info("notification opened", logx.String("id", r.ID))
	return c.printf("✓ opened %s (%s)\n", r.Title, r.ID)
}

func (c *Console) printf(format string, args ...any) error {
	if c.w == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintf(c.w, format, args...)
	return err
}
