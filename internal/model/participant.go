// internal/model/participant.go
package model

import "time"

// Participant is one join record. CampaignID is empty for legacy joins made
// before campaigns existed.
type Participant struct {
	ID           string    `db:"id" json:"id"`
	Phone        string    `db:"phone" json:"phone"`
	Email        string    `db:"email" json:"email"`
	ReferralCode string    `db:"referral_code" json:"referralCode"`
	ReferredBy   *string   `db:"referred_by" json:"referredBy"`
	CampaignID   *string   `db:"campaign_id" json:"campaignId"`
	JoinedAt     time.Time `db:"joined_at" json:"joinedAt"`
}

// Campaign returns the campaign ID, or "" for a legacy join.
func (p Participant) Campaign() string {
	if p.CampaignID == nil {
		return ""
	}
	return *p.CampaignID
}

// Referrer returns the referral code this participant joined through, or "".
func (p Participant) Referrer() string {
	if p.ReferredBy == nil {
		return ""
	}
	return *p.ReferredBy
}

// InScope reports whether p belongs to campaignID. The legacy scope ("")
// covers every participant.
func (p Participant) InScope(campaignID string) bool {
	return campaignID == "" || p.Campaign() == campaignID
}

// OptOut records a phone that replied STOP.
type OptOut struct {
	Phone    string    `db:"phone" json:"phone"`
	OptedOut time.Time `db:"opted_out_at" json:"optedOutAt"`
}
