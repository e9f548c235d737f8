package dispatch

import (
	"context"
	"errors"

	"github.com/example/tow-dispatch/internal/models"
	"github.com/example/tow-dispatch/internal/observability"
)

type Deliverer interface {
	Deliver(ctx context.Context, n models.Notification) error
}

// Fanout tries the driver's websocket first and falls back to the push
// gateway when there is no live session or the write fails.
type Fanout struct {
	WS       *WSRegistry
	Fallback Deliverer
}

func NewFanout(ws *WSRegistry, fallback Deliverer) *Fanout {
	return &Fanout{WS: ws, Fallback: fallback}
}

func (f *Fanout) Deliver(ctx context.Context, n models.Notification) error {
	var wsErr error
	if f.WS != nil {
		wsErr = f.WS.Deliver(ctx, n)
		if wsErr == nil {
			observability.Deliveries.WithLabelValues("ws", "ok").Inc()
			return nil
		}
		if errors.Is(wsErr, ErrNoSession) {
			observability.Deliveries.WithLabelValues("ws", "no_session").Inc()
		} else {
			observability.Deliveries.WithLabelValues("ws", "error").Inc()
		}
	}
	if f.Fallback == nil {
		return wsErr
	}
	if err := f.Fallback.Deliver(ctx, n); err != nil {
		observability.Deliveries.WithLabelValues("webhook", "error").Inc()
		return errors.Join(wsErr, err)
	}
	observability.Deliveries.WithLabelValues("webhook", "ok").Inc()
	return nil
}
