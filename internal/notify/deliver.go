package notify

import (
	"context"
	"errors"

	"github.com/gen2brain/beeep"
	"github.com/rs/zerolog"
)

// Deliverer presents a notification to the user.
type Deliverer interface {
	Deliver(ctx context.Context, n Notification) error
}

// Desktop shows native notifications and plays the alert tone.
type Desktop struct {
	logger zerolog.Logger
	notify func(title, message, icon string) error
	beep   func(freq float64, duration int) error
}

// NewDesktop returns a deliverer backed by the OS notification service.
func NewDesktop(logger zerolog.Logger) *Desktop {
	return &Desktop{
		logger: logger.With().Str("component", "desktop").Logger(),
		notify: func(title, message, icon string) error { return beeep.Notify(title, message, icon) },
		beep:   beeep.Beep,
	}
}

// Deliver shows n when the browser channel is enabled and beeps when n asks
// for sound. Sound is skipped at zero volume.
func (d *Desktop) Deliver(_ context.Context, n Notification) error {
	var errs []error

	if n.Channels.Browser {
		if err := d.notify(n.Title, n.Message, ""); err != nil {
			errs = append(errs, err)
		}
	}

	if n.Sound && n.SoundVolume > 0 {
		if err := d.beep(beeep.DefaultFreq, beeep.DefaultDuration); err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		d.logger.Warn().Err(err).Str("title", n.Title).Msg("Desktop notification failed")
		return err
	}
	return nil
}

// Log writes notifications to the log. In-page and popup channels read the
// latest notification from stats, so logging is all they need here.
type Log struct {
	logger zerolog.Logger
}

// NewLog returns a logging deliverer.
func NewLog(logger zerolog.Logger) *Log {
	return &Log{logger: logger.With().Str("component", "notify").Logger()}
}

// Deliver logs n.
func (l *Log) Deliver(_ context.Context, n Notification) error {
	l.logger.Info().
		Str("title", n.Title).
		Str("severity", string(n.Severity)).
		Int("threshold", n.Threshold).
		Bool("repeat", n.Repeat).
		Str("domain", n.Domain).
		Msg(n.Message)
	return nil
}

// Multi fans a notification out to every deliverer.
type Multi []Deliverer

// Deliver calls every deliverer and joins their errors.
func (m Multi) Deliver(ctx context.Context, n Notification) error {
	var errs []error
	for _, d := range m {
		if err := d.Deliver(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
