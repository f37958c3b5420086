package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/dropleopard/internal/notify"
)

const (
	TopicNotifications = "notifications"
	TopicEvents        = "events"

	eventKeyPrefix = "drop"
)

// Drop event types.
const (
	EventParticipantJoined = "participant.joined"
	EventReferralUnlocked  = "referral.unlocked"
)

// DropEvent is published for every join and unlock so downstream consumers
// can follow a campaign without polling.
type DropEvent struct {
	Type          string    `json:"type"`
	CampaignID    string    `json:"campaignId,omitempty"`
	ParticipantID string    `json:"participantId,omitempty"`
	ReferralCode  string    `json:"referralCode"`
	ReferredBy    string    `json:"referredBy,omitempty"`
	ReferralCount int       `json:"referralCount,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// RoutingKey is drop.<campaignId>.<type>; legacy joins use "legacy".
func (e DropEvent) RoutingKey() string {
	campaign := e.CampaignID
	if campaign == "" {
		campaign = "legacy"
	}
	return eventKeyPrefix + "." + campaign + "." + e.Type
}

// NotificationPublisher hands join-time SMS to the queue so the request path
// never waits on the gateway.
type NotificationPublisher struct {
	Queue Queue
}

func (p *NotificationPublisher) Notify(ctx context.Context, msg notify.Message) error {
	return p.Queue.Publish(TopicNotifications, msg)
}

type EventPublisher struct {
	Queue Queue
}

func (p *EventPublisher) Publish(ctx context.Context, e DropEvent) error {
	return p.Queue.Publish(TopicEvents, e)
}

// Dispatcher delivers one notification.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg notify.Message) notify.Outcome
}

// DecodeMessage accepts the in-memory payload (a notify.Message) and the AMQP
// payload (its JSON body).
func DecodeMessage(payload any) (notify.Message, error) {
	var msg notify.Message
	switch v := payload.(type) {
	case notify.Message:
		return v, nil
	case *notify.Message:
		return *v, nil
	case []byte:
		err := json.Unmarshal(v, &msg)
		return msg, err
	case json.RawMessage:
		err := json.Unmarshal(v, &msg)
		return msg, err
	default:
		return msg, fmt.Errorf("unexpected notification payload %T", payload)
	}
}

// StartNotificationSubscriber dispatches every queued notification. Outcomes
// are logged by the dispatcher and never retried.
func StartNotificationSubscriber(q Queue, d Dispatcher, logger *zap.Logger) error {
	return q.Subscribe(TopicNotifications, func(payload any) error {
		msg, err := DecodeMessage(payload)
		if err != nil {
			logger.Warn("dropping malformed notification", zap.Error(err))
			return nil
		}
		d.Dispatch(context.Background(), msg)
		return nil
	})
}

// StartEventLogger subscribes a debug logger to the event topic.
func StartEventLogger(q Queue, logger *zap.Logger) error {
	return q.Subscribe(TopicEvents, func(payload any) error {
		var e DropEvent
		switch v := payload.(type) {
		case DropEvent:
			e = v
		case []byte:
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
		default:
			return nil
		}
		logger.Debug("drop event",
			zap.String("type", e.Type),
			zap.String("campaign_id", e.CampaignID),
			zap.String("referral_code", e.ReferralCode))
		return nil
	})
}
