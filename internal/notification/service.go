// Package notification pushes defensive alerts to external services through shoutrrr.
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"

	"github.com/tphakala/skywatch/internal/broadcast"
	"github.com/tphakala/skywatch/internal/conf"
	"github.com/tphakala/skywatch/internal/datastore"
	"github.com/tphakala/skywatch/internal/errors"
	"github.com/tphakala/skywatch/internal/logger"
)

const (
	serviceName  = "shoutrrr"
	defaultTitle = "SkyWatch defensive alert"
)

// Sender delivers one message to every configured service.
// *router.ServiceRouter satisfies it.
type Sender interface {
	Send(message string, params *stypes.Params) []error
}

// Recorder receives delivery outcomes.
type Recorder interface {
	RecordDelivery(service string, err error, d time.Duration)
}

// Service turns defensive_alert events into push notifications.
type Service struct {
	sender  Sender
	metrics Recorder
	log     logger.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithRecorder attaches delivery metrics.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.metrics = r }
}

// WithLogger sets the service logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) { s.log = l }
}

// New builds a shoutrrr sender for the configured URLs.
func New(settings *conf.NotificationSettings, opts ...Option) (*Service, error) {
	if len(settings.URLs) == 0 {
		return nil, errors.Newf("at least one notification URL is required").
			Component("notification").
			Category(errors.CategoryConfiguration).
			Build()
	}

	sender, err := shoutrrr.CreateSender(settings.URLs...)
	if err != nil {
		// the raw error echoes the URL, tokens included
		return nil, errors.Newf("invalid notification URL: %s", errors.ScrubMessage(err.Error())).
			Component("notification").
			Category(errors.CategoryConfiguration).
			Context("url_count", len(settings.URLs)).
			Build()
	}
	if settings.Timeout > 0 {
		sender.Timeout = settings.Timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))

	return NewWithSender(sender, opts...), nil
}

// NewWithSender creates a Service around an existing sender.
func NewWithSender(sender Sender, opts ...Option) *Service {
	s := &Service{sender: sender}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Global().Module("notification")
	}
	return s
}

// Run delivers every defensive alert on sub until ctx is done or the
// subscription is closed. Delivery failures are logged and never retried.
func (s *Service) Run(ctx context.Context, sub *broadcast.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if ev.Name != broadcast.EventDefensiveAlert {
				continue
			}
			s.handle(ev.Data)
		}
	}
}

func (s *Service) handle(data json.RawMessage) {
	var alert datastore.DefensiveAlert
	if err := json.Unmarshal(data, &alert); err != nil {
		s.log.Warn("skipping undecodable alert", logger.Error(err))
		return
	}

	params := stypes.Params{}
	params.SetTitle(defaultTitle)

	start := time.Now()
	err := firstError(s.sender.Send(FormatAlert(&alert), &params))
	if s.metrics != nil {
		s.metrics.RecordDelivery(serviceName, err, time.Since(start))
	}
	if err != nil {
		enhancedErr := errors.Newf("notification delivery failed: %s", errors.ScrubMessage(err.Error())).
			Component("notification").
			Category(errors.CategoryNotification).
			Context("alert_id", alert.ID).
			Build()
		s.log.Warn("notification delivery failed",
			logger.Int("alert_id", int(alert.ID)),
			logger.Error(enhancedErr))
		return
	}

	s.log.Debug("notification sent", logger.Int("alert_id", int(alert.ID)))
}

// FormatAlert renders the notification body for a stored alert.
func FormatAlert(alert *datastore.DefensiveAlert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Camera %s reported an alert at %.5f, %.5f", alert.CameraID, alert.Lat, alert.Long)
	if alert.Alt != nil {
		fmt.Fprintf(&b, ", altitude %.1f m", *alert.Alt)
	}
	fmt.Fprintf(&b, " (%s).", alert.DetectedAt.UTC().Format(time.RFC3339))

	if n := len(alert.Objects); n > 0 {
		fmt.Fprintf(&b, " Objects in frame: %d.", n)
	}
	if alert.ImageURL != nil {
		fmt.Fprintf(&b, " Image: %s", *alert.ImageURL)
	}
	return b.String()
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
