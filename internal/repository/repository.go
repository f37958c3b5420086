package repository

import (
	"context"

	"github.com/unclebandit/dropleopard/internal/model"
)

type CampaignRepositoryInterface interface {
	GetByID(ctx context.Context, id string) (*model.Campaign, error)
	List(ctx context.Context) ([]*model.Campaign, error)
	Exists(ctx context.Context, id string) (bool, error)
	Create(ctx context.Context, c *model.Campaign) error
	Update(ctx context.Context, c *model.Campaign) error
	Delete(ctx context.Context, id string) error
}

// ParticipantRepositoryInterface is the append-only join ledger. Campaign
// scoped lookups treat campaignID "" as every participant.
type ParticipantRepositoryInterface interface {
	List(ctx context.Context, campaignID string) ([]model.Participant, error)
	Append(ctx context.Context, p *model.Participant) error
	FindByPhone(ctx context.Context, campaignID, phone string) (*model.Participant, error)
	FindByReferralCode(ctx context.Context, campaignID, code string) (*model.Participant, error)
	ReferralCodeExists(ctx context.Context, code string) (bool, error)
	CountReferrals(ctx context.Context, campaignID, code string) (int, error)
}

type OptOutRepositoryInterface interface {
	IsOptedOut(ctx context.Context, phone string) (bool, error)
	OptOut(ctx context.Context, phone string) error
	OptIn(ctx context.Context, phone string) error
}

// Store bundles the three collections one backend provides.
type Store interface {
	Campaigns() CampaignRepositoryInterface
	Participants() ParticipantRepositoryInterface
	OptOuts() OptOutRepositoryInterface
	Close() error
}
