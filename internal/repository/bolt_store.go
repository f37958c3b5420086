package repository

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/boltdb/bolt"

	appErrors "github.com/unclebandit/dropleopard/internal/errors"
	"github.com/unclebandit/dropleopard/internal/model"
)

var (
	campaignsBucket     = []byte("campaigns")
	participantsBucket  = []byte("participants")
	referralCodesBucket = []byte("referral_codes")
	optOutsBucket       = []byte("optouts")
)

// ErrReferralCodeTaken is returned by Append when the code is already issued.
var ErrReferralCodeTaken = errors.New("referral code already issued")

// BoltStore keeps every collection in one BoltDB file. Each write is a single
// bolt transaction, so a failed append leaves nothing behind.
type BoltStore struct {
	DB *bolt.DB
}

func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt file %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{campaignsBucket, participantsBucket, referralCodesBucket, optOutsBucket} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}
	return &BoltStore{DB: db}, nil
}

func (s *BoltStore) Campaigns() CampaignRepositoryInterface       { return &BoltCampaignRepository{DB: s.DB} }
func (s *BoltStore) Participants() ParticipantRepositoryInterface { return &BoltParticipantRepository{DB: s.DB} }
func (s *BoltStore) OptOuts() OptOutRepositoryInterface           { return &BoltOptOutRepository{DB: s.DB} }
func (s *BoltStore) Close() error                                 { return s.DB.Close() }

// ====================== Campaigns ======================

type BoltCampaignRepository struct {
	DB *bolt.DB
}

func (r *BoltCampaignRepository) GetByID(ctx context.Context, id string) (*model.Campaign, error) {
	var c *model.Campaign
	err := r.DB.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(campaignsBucket).Get([]byte(id))
		if raw == nil {
			return appErrors.NewCampaignNotFound(id)
		}
		c = &model.Campaign{}
		return json.Unmarshal(raw, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (r *BoltCampaignRepository) List(ctx context.Context) ([]*model.Campaign, error) {
	campaigns := []*model.Campaign{}
	err := r.DB.View(func(tx *bolt.Tx) error {
		return tx.Bucket(campaignsBucket).ForEach(func(k, v []byte) error {
			c := &model.Campaign{}
			if err := json.Unmarshal(v, c); err != nil {
				return fmt.Errorf("campaign %s: %w", k, err)
			}
			campaigns = append(campaigns, c)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return campaigns, nil
}

func (r *BoltCampaignRepository) Exists(ctx context.Context, id string) (bool, error) {
	var found bool
	err := r.DB.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(campaignsBucket).Get([]byte(id)) != nil
		return nil
	})
	return found, err
}

func (r *BoltCampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	return r.DB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(campaignsBucket)
		if b.Get([]byte(c.ID)) != nil {
			return fmt.Errorf("campaign %s already exists", c.ID)
		}
		return putJSON(b, []byte(c.ID), c)
	})
}

func (r *BoltCampaignRepository) Update(ctx context.Context, c *model.Campaign) error {
	now := time.Now()
	c.UpdatedAt = &now
	return r.DB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(campaignsBucket)
		if b.Get([]byte(c.ID)) == nil {
			return appErrors.NewCampaignNotFound(c.ID)
		}
		return putJSON(b, []byte(c.ID), c)
	})
}

func (r *BoltCampaignRepository) Delete(ctx context.Context, id string) error {
	return r.DB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(campaignsBucket)
		if b.Get([]byte(id)) == nil {
			return appErrors.NewCampaignNotFound(id)
		}
		return b.Delete([]byte(id))
	})
}

// ====================== Participants ======================

type BoltParticipantRepository struct {
	DB *bolt.DB
}

// List returns participants in join order.
func (r *BoltParticipantRepository) List(ctx context.Context, campaignID string) ([]model.Participant, error) {
	participants := []model.Participant{}
	err := r.DB.View(func(tx *bolt.Tx) error {
		return tx.Bucket(participantsBucket).ForEach(func(k, v []byte) error {
			var p model.Participant
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("participant %d: %w", binary.BigEndian.Uint64(k), err)
			}
			if p.InScope(campaignID) {
				participants = append(participants, p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return participants, nil
}

func (r *BoltParticipantRepository) Append(ctx context.Context, p *model.Participant) error {
	return r.DB.Update(func(tx *bolt.Tx) error {
		codes := tx.Bucket(referralCodesBucket)
		if codes.Get([]byte(p.ReferralCode)) != nil {
			return ErrReferralCodeTaken
		}
		b := tx.Bucket(participantsBucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := putJSON(b, key, p); err != nil {
			return err
		}
		return codes.Put([]byte(p.ReferralCode), key)
	})
}

func (r *BoltParticipantRepository) FindByPhone(ctx context.Context, campaignID, phone string) (*model.Participant, error) {
	return r.find(campaignID, func(p model.Participant) bool { return p.Phone == phone })
}

func (r *BoltParticipantRepository) FindByReferralCode(ctx context.Context, campaignID, code string) (*model.Participant, error) {
	return r.find(campaignID, func(p model.Participant) bool { return p.ReferralCode == code })
}

func (r *BoltParticipantRepository) find(campaignID string, match func(model.Participant) bool) (*model.Participant, error) {
	var found *model.Participant
	err := r.DB.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(participantsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var p model.Participant
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.InScope(campaignID) && match(p) {
				found = &p
				return nil
			}
		}
		return nil
	})
	return found, err
}

func (r *BoltParticipantRepository) ReferralCodeExists(ctx context.Context, code string) (bool, error) {
	var found bool
	err := r.DB.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(referralCodesBucket).Get([]byte(code)) != nil
		return nil
	})
	return found, err
}

func (r *BoltParticipantRepository) CountReferrals(ctx context.Context, campaignID, code string) (int, error) {
	var count int
	err := r.DB.View(func(tx *bolt.Tx) error {
		return tx.Bucket(participantsBucket).ForEach(func(k, v []byte) error {
			var p model.Participant
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if p.InScope(campaignID) && p.Referrer() == code {
				count++
			}
			return nil
		})
	})
	return count, err
}

// ====================== Opt-outs ======================

type BoltOptOutRepository struct {
	DB *bolt.DB
}

func (r *BoltOptOutRepository) IsOptedOut(ctx context.Context, phone string) (bool, error) {
	var found bool
	err := r.DB.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(optOutsBucket).Get([]byte(phone)) != nil
		return nil
	})
	return found, err
}

func (r *BoltOptOutRepository) OptOut(ctx context.Context, phone string) error {
	return r.DB.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(optOutsBucket)
		if b.Get([]byte(phone)) != nil {
			return nil
		}
		return putJSON(b, []byte(phone), model.OptOut{Phone: phone, OptedOut: time.Now()})
	})
}

func (r *BoltOptOutRepository) OptIn(ctx context.Context, phone string) error {
	return r.DB.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(optOutsBucket).Delete([]byte(phone))
	})
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, raw)
}

var (
	_ Store                          = (*BoltStore)(nil)
	_ CampaignRepositoryInterface    = (*BoltCampaignRepository)(nil)
	_ ParticipantRepositoryInterface = (*BoltParticipantRepository)(nil)
	_ OptOutRepositoryInterface      = (*BoltOptOutRepository)(nil)
)
