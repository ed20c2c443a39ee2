// Package dispatch delivers match events to users over whatever channels
// are configured.
package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"k8s.io/utils/clock"

	"github.com/example/ride-pairing/internal/models"
	"github.com/example/ride-pairing/internal/observability"
)

// Channel is one delivery path.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, ev models.Event) error
}

// ErrNoChannel is returned when no direct channel took the event.
var ErrNoChannel = errors.New("no channel delivered the event")

// Notifier tries the direct channels in order until one delivers, then
// copies the event to every tap. Taps never affect the result.
type Notifier struct {
	direct []Channel
	taps   []Channel
	clock  clock.PassiveClock
	logger *slog.Logger
}

func NewNotifier(direct, taps []Channel, clk clock.PassiveClock, logger *slog.Logger) *Notifier {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Notifier{direct: direct, taps: taps, clock: clk, logger: logger.With("component", "dispatch")}
}

func (n *Notifier) Notify(ctx context.Context, userID string, event models.EventType, payload any) error {
	ev := models.Event{Type: event, UserID: userID, Payload: payload, At: n.clock.Now()}
	for _, t := range n.taps {
		n.deliver(ctx, t, ev)
	}
	var errs []error
	for _, c := range n.direct {
		err := n.deliver(ctx, c, ev)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return errors.Join(append([]error{ErrNoChannel}, errs...)...)
}

func (n *Notifier) deliver(ctx context.Context, c Channel, ev models.Event) error {
	err := c.Deliver(ctx, ev)
	result := "ok"
	if err != nil {
		result = "error"
		n.logger.Debug("channel did not deliver", "channel", c.Name(), "user_id", ev.UserID, "event", ev.Type, "error", err)
	}
	observability.Notifications.WithLabelValues(c.Name(), result).Inc()
	return err
}

// LogChannel writes events to the log. It always delivers, so it belongs at
// the end of the direct list; the server uses it when no push endpoint is
// configured.
type LogChannel struct {
	Logger *slog.Logger
}

func (l *LogChannel) Name() string { return "log" }

func (l *LogChannel) Deliver(ctx context.Context, ev models.Event) error {
	l.Logger.InfoContext(ctx, "event", "user_id", ev.UserID, "type", ev.Type)
	return nil
}
