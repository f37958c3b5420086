package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/dropleopard/internal/errors"
	"github.com/unclebandit/dropleopard/internal/notify"
	"github.com/unclebandit/dropleopard/internal/repository"
	"github.com/unclebandit/dropleopard/internal/validation"
)

type Keyword string

const (
	KeywordNone  Keyword = ""
	KeywordStop  Keyword = "stop"
	KeywordStart Keyword = "start"
)

// ParseKeyword classifies an inbound SMS body.
func ParseKeyword(body string) Keyword {
	switch strings.ToUpper(strings.TrimSpace(body)) {
	case "STOP", "UNSUBSCRIBE", "CANCEL":
		return KeywordStop
	case "START", "YES", "SUBSCRIBE":
		return KeywordStart
	default:
		return KeywordNone
	}
}

// OptOutService handles STOP and START replies.
type OptOutService struct {
	OptOuts  repository.OptOutRepositoryInterface
	Phones   *validation.PhoneValidator
	Notifier Notifier
	Logger   *zap.Logger
}

// HandleInbound records an opt-out or opt-in for from and queues the
// confirmation. Other messages are ignored.
func (s *OptOutService) HandleInbound(ctx context.Context, from, body string) (Keyword, error) {
	kw := ParseKeyword(body)
	if kw == KeywordNone {
		return kw, nil
	}

	phone, err := s.Phones.Normalize(from)
	if err != nil {
		return kw, err
	}

	msg := notify.Message{To: phone}
	switch kw {
	case KeywordStop:
		if err := s.OptOuts.OptOut(ctx, phone); err != nil {
			return kw, appErrors.NewStorage("opt out", err)
		}
		msg.Event, msg.Body = notify.EventOptOutConfirm, notify.OptOutMessage()
	case KeywordStart:
		if err := s.OptOuts.OptIn(ctx, phone); err != nil {
			return kw, appErrors.NewStorage("opt in", err)
		}
		msg.Event, msg.Body = notify.EventOptInConfirm, notify.OptInMessage()
	}
	s.Logger.Info("sms keyword handled", zap.String("phone", phone), zap.String("keyword", string(kw)))

	if s.Notifier != nil {
		if err := s.Notifier.Notify(ctx, msg); err != nil {
			s.Logger.Error("failed to queue confirmation", zap.String("phone", phone), zap.Error(err))
		}
	}
	return kw, nil
}
