// internal/service/ledger.go
package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	appErrors "github.com/unclebandit/dropleopard/internal/errors"
	"github.com/unclebandit/dropleopard/internal/model"
	"github.com/unclebandit/dropleopard/internal/repository"
	"github.com/unclebandit/dropleopard/internal/validation"
)

const maxCodeAttempts = 10

// CodeGenerator mints a candidate referral code.
type CodeGenerator func() (string, error)

// RandomReferralCode returns 8 upper-case hex characters.
func RandomReferralCode() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

type JoinRequest struct {
	Phone      string `json:"phone"`
	Email      string `json:"email"`
	ReferredBy string `json:"referredBy,omitempty"`
	CampaignID string `json:"campaignId,omitempty"`
}

// AppendResult carries the new participant and its referrer's referral count
// on both sides of the append.
type AppendResult struct {
	Participant         model.Participant
	ReferrerCountBefore int
	ReferrerCountAfter  int
}

// Ledger is the single writer of the participant collection. Dedup, code
// minting, append and the referrer counts run under one lock, so two joins
// for the same phone cannot both pass the duplicate check and two referred
// joins cannot both observe the unlock transition.
type Ledger struct {
	mu sync.Mutex

	Participants repository.ParticipantRepositoryInterface
	Campaigns    repository.CampaignRepositoryInterface
	Phones       *validation.PhoneValidator
	NewCode      CodeGenerator
	Now          func() time.Time
}

func NewLedger(participants repository.ParticipantRepositoryInterface, campaigns repository.CampaignRepositoryInterface, phones *validation.PhoneValidator) *Ledger {
	if phones == nil {
		phones = validation.NewPhoneValidator(nil)
	}
	return &Ledger{
		Participants: participants,
		Campaigns:    campaigns,
		Phones:       phones,
		NewCode:      RandomReferralCode,
		Now:          time.Now,
	}
}

// Normalize validates req and returns it in canonical form. Nothing is read
// from or written to storage except the campaign existence check.
func (l *Ledger) Normalize(ctx context.Context, req JoinRequest) (JoinRequest, error) {
	phone, err := l.Phones.Normalize(req.Phone)
	if err != nil {
		return req, err
	}
	req.Phone = phone

	req.Email = strings.TrimSpace(req.Email)
	if err := validation.Email(req.Email); err != nil {
		return req, err
	}

	if strings.TrimSpace(req.ReferredBy) != "" {
		code, err := validation.ReferralCode(req.ReferredBy)
		if err != nil {
			return req, err
		}
		req.ReferredBy = code
	} else {
		req.ReferredBy = ""
	}

	req.CampaignID = strings.TrimSpace(req.CampaignID)
	if req.CampaignID != "" {
		if err := validation.CampaignID(req.CampaignID); err != nil {
			return req, err
		}
		exists, err := l.Campaigns.Exists(ctx, req.CampaignID)
		if err != nil {
			return req, appErrors.NewStorage("load campaign", err)
		}
		if !exists {
			return req, appErrors.NewCampaignNotFound(req.CampaignID)
		}
	}
	return req, nil
}

// Append records a join. A phone already present in the campaign scope yields
// a ConflictError carrying the existing referral code.
func (l *Ledger) Append(ctx context.Context, req JoinRequest) (*AppendResult, error) {
	req, err := l.Normalize(ctx, req)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.Participants.FindByPhone(ctx, req.CampaignID, req.Phone)
	if err != nil {
		return nil, appErrors.NewStorage("find participant", err)
	}
	if existing != nil {
		return nil, appErrors.NewConflict(req.CampaignID, existing.ReferralCode)
	}

	result := &AppendResult{}
	if req.ReferredBy != "" {
		result.ReferrerCountBefore, err = l.Participants.CountReferrals(ctx, req.CampaignID, req.ReferredBy)
		if err != nil {
			return nil, appErrors.NewStorage("count referrals", err)
		}
	}

	p := model.Participant{
		ID:       uuid.NewString(),
		Phone:    req.Phone,
		Email:    req.Email,
		JoinedAt: l.Now().UTC(),
	}
	if req.ReferredBy != "" {
		ref := req.ReferredBy
		p.ReferredBy = &ref
	}
	if req.CampaignID != "" {
		cid := req.CampaignID
		p.CampaignID = &cid
	}

	if err := l.appendWithFreshCode(ctx, &p); err != nil {
		return nil, err
	}
	result.Participant = p

	if req.ReferredBy != "" {
		result.ReferrerCountAfter, err = l.Participants.CountReferrals(ctx, req.CampaignID, req.ReferredBy)
		if err != nil {
			// The join is stored; fall back to the arithmetic count.
			result.ReferrerCountAfter = result.ReferrerCountBefore + 1
		}
	}
	return result, nil
}

func (l *Ledger) appendWithFreshCode(ctx context.Context, p *model.Participant) error {
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := l.NewCode()
		if err != nil {
			return appErrors.NewStorage("mint referral code", err)
		}
		taken, err := l.Participants.ReferralCodeExists(ctx, code)
		if err != nil {
			return appErrors.NewStorage("check referral code", err)
		}
		if taken {
			continue
		}

		p.ReferralCode = code
		err = l.Participants.Append(ctx, p)
		if errors.Is(err, repository.ErrReferralCodeTaken) {
			continue
		}
		if err != nil {
			return appErrors.NewStorage("append participant", err)
		}
		return nil
	}
	return appErrors.NewStorage("mint referral code",
		fmt.Errorf("no unique code after %d attempts", maxCodeAttempts))
}

// CountReferrals is the live number of joins attributed to code.
func (l *Ledger) CountReferrals(ctx context.Context, code, campaignID string) (int, error) {
	n, err := l.Participants.CountReferrals(ctx, campaignID, code)
	if err != nil {
		return 0, appErrors.NewStorage("count referrals", err)
	}
	return n, nil
}
