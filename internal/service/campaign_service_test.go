package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/dropleopard/internal/errors"
	"github.com/unclebandit/dropleopard/internal/model"
	"github.com/unclebandit/dropleopard/internal/validation"
)

func newCampaignService(env *testEnv) *CampaignService {
	return &CampaignService{
		CampaignRepo:    env.store.Campaigns(),
		ParticipantRepo: env.store.Participants(),
		Logger:          zap.NewNop(),
	}
}

func intPtr(i int) *int       { return &i }
func strPtr(s string) *string { return &s }

func TestRandomCampaignID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id, err := RandomCampaignID()
		require.NoError(t, err)
		require.NoError(t, validation.CampaignID(id))
		seen[id] = true
	}
	assert.Len(t, seen, 50)
}

func TestCreateCampaignFromTemplate(t *testing.T) {
	env := newTestEnv(t)
	svc := newCampaignService(env)
	ctx := context.Background()

	c, err := svc.CreateCampaign(ctx, NewCampaignTemplate("Denim", "https://video.example.com/1", time.Now()))
	require.NoError(t, err)
	assert.Len(t, c.ID, 11)
	assert.Equal(t, DefaultReferralsNeeded, c.ReferralsNeeded)
	require.Len(t, c.Pricing.Tiers, 3)
	assert.False(t, c.CreatedAt.IsZero())

	stored, err := svc.GetCampaign(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Denim", stored.ProductName)
}

func TestCreateCampaignRetriesTakenIDs(t *testing.T) {
	env := newTestEnv(t, testCampaign("takenID0000", 2))
	svc := newCampaignService(env)
	ids := []string{"takenID0000", "freshID0000"}
	svc.NewID = func() (string, error) {
		id := ids[0]
		ids = ids[1:]
		return id, nil
	}

	c, err := svc.CreateCampaign(context.Background(), NewCampaignTemplate("X", "", time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "freshID0000", c.ID)
}

func TestCreateCampaignValidation(t *testing.T) {
	env := newTestEnv(t, testCampaign(testCampaignID, 2))
	svc := newCampaignService(env)
	ctx := context.Background()

	noName := NewCampaignTemplate("", "", time.Now())
	noName.ProductName = "  "
	_, err := svc.CreateCampaign(ctx, noName)
	assert.True(t, appErrors.IsValidation(err))

	free := NewCampaignTemplate("Free", "", time.Now())
	free.Pricing.InitialPrice = decimal.Zero
	_, err = svc.CreateCampaign(ctx, free)
	assert.True(t, appErrors.IsValidation(err))

	dup := NewCampaignTemplate("Dup", "", time.Now())
	dup.ID = testCampaignID
	_, err = svc.CreateCampaign(ctx, dup)
	assert.True(t, appErrors.IsValidation(err))

	bad := NewCampaignTemplate("Bad", "", time.Now())
	bad.ID = "../etc"
	_, err = svc.CreateCampaign(ctx, bad)
	assert.True(t, appErrors.IsValidation(err))
}

func TestUpdateCampaignAppliesWhitelistedPatch(t *testing.T) {
	env := newTestEnv(t, testCampaign(testCampaignID, 2))
	svc := newCampaignService(env)
	ctx := context.Background()

	tiers := []model.Tier{
		{Buyers: 900, Price: decimal.NewFromInt(25)},
		{Buyers: 0, Price: decimal.NewFromInt(1)},
		{Buyers: 50, Price: decimal.NewFromInt(60)},
		{Buyers: 300, Price: decimal.NewFromInt(70)},
	}
	patch := model.CampaignPatch{
		ProductName:     strPtr("Renamed"),
		ReferralsNeeded: intPtr(42),
		Tiers:           &tiers,
	}

	c, err := svc.UpdateCampaign(ctx, testCampaignID, patch)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", c.ProductName)
	assert.Equal(t, MaxReferrals, c.ReferralsNeeded)
	require.Len(t, c.Pricing.Tiers, 4)
	assert.Equal(t, []int{0, 50, 300, 900}, []int{
		c.Pricing.Tiers[0].Buyers, c.Pricing.Tiers[1].Buyers, c.Pricing.Tiers[2].Buyers, c.Pricing.Tiers[3].Buyers,
	})
	assert.Equal(t, "https://shop.example.com/checkout", c.Pricing.CheckoutURL, "unset fields keep their value")
	assert.NotNil(t, c.UpdatedAt)

	_, err = svc.UpdateCampaign(ctx, "missing0000", patch)
	assert.True(t, appErrors.IsNotFound(err))

	zero := decimal.Zero
	_, err = svc.UpdateCampaign(ctx, testCampaignID, model.CampaignPatch{InitialPrice: &zero})
	assert.True(t, appErrors.IsValidation(err))
}

func TestUpdateCampaignRejectsInvalidTiers(t *testing.T) {
	env := newTestEnv(t, testCampaign(testCampaignID, 2))
	svc := newCampaignService(env)
	ctx := context.Background()

	for name, tiers := range map[string][]model.Tier{
		"zero price":       {{Buyers: 50, Price: decimal.Zero}},
		"negative price":   {{Buyers: 50, Price: decimal.NewFromInt(-5)}},
		"negative buyers":  {{Buyers: -1, Price: decimal.NewFromInt(10)}},
		"second tier only": {{Buyers: 50, Price: decimal.NewFromInt(60)}, {Buyers: 300, Price: decimal.Zero}},
	} {
		tiers := tiers
		_, err := svc.UpdateCampaign(ctx, testCampaignID, model.CampaignPatch{Tiers: &tiers})
		assert.True(t, appErrors.IsValidation(err), name)
	}

	stored, err := svc.GetCampaign(ctx, testCampaignID)
	require.NoError(t, err)
	require.Len(t, stored.Pricing.Tiers, 3, "rejected patches leave the campaign untouched")
	assert.Equal(t, 100, stored.Pricing.Tiers[0].Buyers)
	assert.True(t, stored.Pricing.Tiers[0].Price.Equal(decimal.NewFromInt(40)))
}

func TestDeleteCampaign(t *testing.T) {
	env := newTestEnv(t, testCampaign(testCampaignID, 2))
	svc := newCampaignService(env)
	ctx := context.Background()

	require.NoError(t, svc.DeleteCampaign(ctx, testCampaignID))
	assert.True(t, appErrors.IsNotFound(svc.DeleteCampaign(ctx, testCampaignID)))
}

func TestListCampaignsCountsBuyers(t *testing.T) {
	older := testCampaign("campaign001", 2)
	older.CreatedAt = time.Now().Add(-time.Hour)
	older.Pricing.InitialBuyers = 10
	newer := testCampaign("campaign002", 2)
	newer.CreatedAt = time.Now()
	env := newTestEnv(t, older, newer)
	join(t, env, 1, "")

	list, err := newCampaignService(env).ListCampaigns(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "campaign002", list[0].ID, "newest first")
	assert.Equal(t, 1, list[1].Participants)
	assert.Equal(t, 11, list[1].CurrentBuyers)
}

func TestExportCSV(t *testing.T) {
	env := newTestEnv(t, testCampaign(testCampaignID, 2))
	env.ledger.NewCode = codeSeq("AAAA1111", "BBBB2222")
	join(t, env, 1, "")
	join(t, env, 2, "AAAA1111")

	var buf bytes.Buffer
	require.NoError(t, newCampaignService(env).ExportCSV(context.Background(), testCampaignID, &buf))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, exportHeader, rows[0])
	assert.Equal(t, []string{phone(1), "user1@example.com", "AAAA1111", "", "1"}, rows[1][:5])
	assert.Equal(t, []string{phone(2), "user2@example.com", "BBBB2222", "AAAA1111", "0"}, rows[2][:5])

	err = newCampaignService(env).ExportCSV(context.Background(), "missing0000", &buf)
	assert.True(t, appErrors.IsNotFound(err))
}
