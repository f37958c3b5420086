package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	appErrors "github.com/unclebandit/dropleopard/internal/errors"
	"github.com/unclebandit/dropleopard/internal/model"
)

// DBExecutor is satisfied by both *sqlx.DB and *sqlx.Tx.
type DBExecutor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

const participantColumns = `id, phone, email, referral_code, referred_by, campaign_id, joined_at`

// PostgresStore implements Store on PostgreSQL. The schema lives in db.Migrate.
type PostgresStore struct {
	DB *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{DB: db}
}

func (s *PostgresStore) Campaigns() CampaignRepositoryInterface { return &PostgresCampaignRepository{DB: s.DB} }
func (s *PostgresStore) Participants() ParticipantRepositoryInterface {
	return &PostgresParticipantRepository{DB: s.DB}
}
func (s *PostgresStore) OptOuts() OptOutRepositoryInterface { return &PostgresOptOutRepository{DB: s.DB} }
func (s *PostgresStore) Close() error                       { return s.DB.Close() }

// ====================== Campaigns ======================

type PostgresCampaignRepository struct {
	DB DBExecutor
}

type campaignRow struct {
	ID  string `db:"id"`
	Doc []byte `db:"doc"`
}

func (r *PostgresCampaignRepository) GetByID(ctx context.Context, id string) (*model.Campaign, error) {
	var row campaignRow
	err := r.DB.GetContext(ctx, &row, `SELECT id, doc FROM campaigns WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	c := &model.Campaign{}
	if err := json.Unmarshal(row.Doc, c); err != nil {
		return nil, fmt.Errorf("failed to decode campaign %s: %w", id, err)
	}
	return c, nil
}

func (r *PostgresCampaignRepository) List(ctx context.Context) ([]*model.Campaign, error) {
	var rows []campaignRow
	if err := r.DB.SelectContext(ctx, &rows, `SELECT id, doc FROM campaigns ORDER BY created_at DESC`); err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	campaigns := make([]*model.Campaign, 0, len(rows))
	for _, row := range rows {
		c := &model.Campaign{}
		if err := json.Unmarshal(row.Doc, c); err != nil {
			return nil, fmt.Errorf("failed to decode campaign %s: %w", row.ID, err)
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, nil
}

func (r *PostgresCampaignRepository) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.DB.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM campaigns WHERE id = $1)`, id)
	return exists, err
}

func (r *PostgresCampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	doc, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO campaigns (id, doc, created_at) VALUES ($1, $2, $3)`,
		c.ID, doc, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

func (r *PostgresCampaignRepository) Update(ctx context.Context, c *model.Campaign) error {
	now := time.Now()
	c.UpdatedAt = &now
	doc, err := json.Marshal(c)
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE campaigns SET doc = $1, updated_at = $2 WHERE id = $3`, doc, now, c.ID)
	if err != nil {
		return fmt.Errorf("failed to update campaign: %w", err)
	}
	return requireRow(res, c.ID)
}

func (r *PostgresCampaignRepository) Delete(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete campaign: %w", err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return appErrors.NewCampaignNotFound(id)
	}
	return nil
}

// ====================== Participants ======================

type PostgresParticipantRepository struct {
	DB DBExecutor
}

func (r *PostgresParticipantRepository) List(ctx context.Context, campaignID string) ([]model.Participant, error) {
	participants := []model.Participant{}
	query := `SELECT ` + participantColumns + ` FROM participants
		WHERE ($1 = '' OR campaign_id = $1)
		ORDER BY seq ASC`
	if err := r.DB.SelectContext(ctx, &participants, query, campaignID); err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	return participants, nil
}

func (r *PostgresParticipantRepository) Append(ctx context.Context, p *model.Participant) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO participants (id, phone, email, referral_code, referred_by, campaign_id, joined_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.Phone, p.Email, p.ReferralCode, p.ReferredBy, p.CampaignID, p.JoinedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == "participants_referral_code_key" {
			return ErrReferralCodeTaken
		}
		return fmt.Errorf("failed to insert participant: %w", err)
	}
	return nil
}

func (r *PostgresParticipantRepository) FindByPhone(ctx context.Context, campaignID, phone string) (*model.Participant, error) {
	return r.findOne(ctx, `phone = $2`, campaignID, phone)
}

func (r *PostgresParticipantRepository) FindByReferralCode(ctx context.Context, campaignID, code string) (*model.Participant, error) {
	return r.findOne(ctx, `referral_code = $2`, campaignID, code)
}

func (r *PostgresParticipantRepository) findOne(ctx context.Context, cond, campaignID, value string) (*model.Participant, error) {
	var p model.Participant
	query := `SELECT ` + participantColumns + ` FROM participants
		WHERE ($1 = '' OR campaign_id = $1) AND ` + cond + `
		ORDER BY seq ASC LIMIT 1`
	if err := r.DB.GetContext(ctx, &p, query, campaignID, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find participant: %w", err)
	}
	return &p, nil
}

func (r *PostgresParticipantRepository) ReferralCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.DB.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM participants WHERE referral_code = $1)`, code)
	return exists, err
}

func (r *PostgresParticipantRepository) CountReferrals(ctx context.Context, campaignID, code string) (int, error) {
	var count int
	err := r.DB.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM participants WHERE ($1 = '' OR campaign_id = $1) AND referred_by = $2`,
		campaignID, code)
	if err != nil {
		return 0, fmt.Errorf("failed to count referrals: %w", err)
	}
	return count, nil
}

// ====================== Opt-outs ======================

type PostgresOptOutRepository struct {
	DB DBExecutor
}

func (r *PostgresOptOutRepository) IsOptedOut(ctx context.Context, phone string) (bool, error) {
	var exists bool
	err := r.DB.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM optouts WHERE phone = $1)`, phone)
	return exists, err
}

func (r *PostgresOptOutRepository) OptOut(ctx context.Context, phone string) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO optouts (phone, opted_out_at) VALUES ($1, $2) ON CONFLICT (phone) DO NOTHING`,
		phone, time.Now())
	return err
}

func (r *PostgresOptOutRepository) OptIn(ctx context.Context, phone string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM optouts WHERE phone = $1`, phone)
	return err
}

var (
	_ Store                          = (*PostgresStore)(nil)
	_ CampaignRepositoryInterface    = (*PostgresCampaignRepository)(nil)
	_ ParticipantRepositoryInterface = (*PostgresParticipantRepository)(nil)
	_ OptOutRepositoryInterface      = (*PostgresOptOutRepository)(nil)
)
