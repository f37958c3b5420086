// Package notify decides whether an SMS may go out and delivers it.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/dropleopard/internal/errors"
	"github.com/unclebandit/dropleopard/internal/metrics"
	"github.com/unclebandit/dropleopard/internal/model"
)

type Event string

const (
	EventWelcome       Event = "welcome"
	EventUnlock        Event = "unlock"
	EventReminder      Event = "reminder"
	EventEndOfDrop     Event = "end_of_drop"
	EventOptOutConfirm Event = "optout_confirm"
	EventOptInConfirm  Event = "optin_confirm"
)

// Message is one outbound SMS. It is also the queue payload, so it carries the
// campaign ID rather than resolved credentials.
type Message struct {
	Event      Event  `json:"event"`
	To         string `json:"to"`
	Body       string `json:"body"`
	CampaignID string `json:"campaignId,omitempty"`
}

type Status string

const (
	StatusSent    Status = "sent"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Skip reasons.
const (
	ReasonDisabled      = "disabled"
	ReasonNotConfigured = "not_configured"
	ReasonOptedOut      = "opted_out"
)

// Outcome is the result of one Dispatch. Skipped and failed outcomes are
// never fatal to the caller.
type Outcome struct {
	Status Status
	Reason string
	Err    error
}

func (o Outcome) Sent() bool { return o.Status == StatusSent }

// Error returns nil for a sent message and a NotificationError otherwise.
func (o Outcome) Error(event Event) error {
	if o.Status == StatusSent {
		return nil
	}
	return &appErrors.NotificationError{Event: string(event), Reason: o.Reason, Err: o.Err}
}

// Gateway hands a message to the SMS provider.
type Gateway interface {
	Send(ctx context.Context, creds model.SMSSettings, to, body string) error
}

type CampaignLookup interface {
	GetByID(ctx context.Context, id string) (*model.Campaign, error)
}

type OptOutChecker interface {
	IsOptedOut(ctx context.Context, phone string) (bool, error)
}

type Config struct {
	// Defaults are used for campaigns without their own credentials and for
	// legacy joins.
	Defaults    model.SMSSettings
	SendTimeout time.Duration
}

type Dispatcher struct {
	gateway   Gateway
	campaigns CampaignLookup
	optOuts   OptOutChecker
	cfg       Config
	logger    *zap.Logger
}

func NewDispatcher(gateway Gateway, campaigns CampaignLookup, optOuts OptOutChecker, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	return &Dispatcher{
		gateway:   gateway,
		campaigns: campaigns,
		optOuts:   optOuts,
		cfg:       cfg,
		logger:    logger,
	}
}

// Settings resolves the delivery credentials for a campaign. A campaign with a
// complete credential set uses it, enabled or not; anything else falls back to
// the process defaults.
func (d *Dispatcher) Settings(ctx context.Context, campaignID string) model.SMSSettings {
	if campaignID == "" || d.campaigns == nil {
		return d.cfg.Defaults
	}
	c, err := d.campaigns.GetByID(ctx, campaignID)
	if err != nil {
		if !appErrors.IsNotFound(err) {
			d.logger.Warn("failed to load campaign SMS settings, using defaults",
				zap.String("campaign_id", campaignID), zap.Error(err))
		}
		return d.cfg.Defaults
	}
	if c.SMS.Complete() {
		return c.SMS
	}
	return d.cfg.Defaults
}

// Dispatch sends msg unless delivery is disabled, unconfigured or the
// recipient opted out. It never blocks longer than the configured send timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) Outcome {
	out := d.dispatch(ctx, msg)
	metrics.RecordNotification(string(msg.Event), string(out.Status))

	fields := []zap.Field{
		zap.String("event", string(msg.Event)),
		zap.String("to", msg.To),
		zap.String("campaign_id", msg.CampaignID),
	}
	switch out.Status {
	case StatusSent:
		d.logger.Info("sms sent", fields...)
	case StatusSkipped:
		d.logger.Info("sms skipped", append(fields, zap.String("reason", out.Reason))...)
	default:
		d.logger.Error("sms failed", append(fields, zap.String("reason", out.Reason), zap.Error(out.Err))...)
	}
	return out
}

func (d *Dispatcher) dispatch(ctx context.Context, msg Message) Outcome {
	creds := d.Settings(ctx, msg.CampaignID)
	if !creds.Enabled {
		return Outcome{Status: StatusSkipped, Reason: ReasonDisabled}
	}
	if !creds.Complete() {
		return Outcome{Status: StatusSkipped, Reason: ReasonNotConfigured}
	}

	// The STOP confirmation goes to a number that has just opted out.
	if msg.Event != EventOptOutConfirm && d.optOuts != nil {
		out, err := d.optOuts.IsOptedOut(ctx, msg.To)
		if err != nil {
			return Outcome{Status: StatusFailed, Reason: "optout_lookup", Err: err}
		}
		if out {
			return Outcome{Status: StatusSkipped, Reason: ReasonOptedOut}
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()
	if err := d.gateway.Send(sendCtx, creds, msg.To, msg.Body); err != nil {
		return Outcome{Status: StatusFailed, Reason: "gateway", Err: err}
	}
	return Outcome{Status: StatusSent}
}
