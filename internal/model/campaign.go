// internal/model/campaign.go
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Prices go over the wire as JSON numbers, the landing page does math on them.
	decimal.MarshalJSONWithoutQuotes = true
}

// Tier is one step of the price curve: once Buyers is reached the unit price
// becomes Price.
type Tier struct {
	Buyers     int             `json:"buyers" yaml:"buyers"`
	Price      decimal.Decimal `json:"price" yaml:"price"`
	CouponCode string          `json:"couponCode,omitempty" yaml:"couponCode,omitempty"`
}

type Pricing struct {
	InitialPrice  decimal.Decimal `json:"initialPrice"`
	InitialBuyers int             `json:"initialBuyers"`
	Tiers         []Tier          `json:"tiers"`
	CheckoutURL   string          `json:"checkoutUrl,omitempty"`
}

// SMSSettings are the per-campaign Twilio credentials. The json name keeps
// the admin panel's "twilio" block.
type SMSSettings struct {
	Enabled     bool   `json:"enabled"`
	AccountSID  string `json:"accountSid"`
	AuthToken   string `json:"authToken"`
	PhoneNumber string `json:"phoneNumber"`
	Domain      string `json:"domain,omitempty"`
}

// Complete reports whether every credential needed to send is present.
func (s SMSSettings) Complete() bool {
	return s.AccountSID != "" && s.AuthToken != "" && s.PhoneNumber != ""
}

type Campaign struct {
	ID                 string      `json:"id"`
	ProductName        string      `json:"productName"`
	ProductImage       string      `json:"productImage,omitempty"`
	ProductDescription string      `json:"productDescription,omitempty"`
	VideoURL           string      `json:"videoUrl,omitempty"`
	TermsURL           string      `json:"termsUrl,omitempty"`
	MerchantName       string      `json:"merchantName,omitempty"`
	Pricing            Pricing     `json:"pricing"`
	ReferralsNeeded    int         `json:"referralsNeeded"`
	CountdownEnd       time.Time   `json:"countdownEnd"`
	SMS                SMSSettings `json:"twilio"`
	CreatedAt          time.Time   `json:"createdAt"`
	UpdatedAt          *time.Time  `json:"updatedAt,omitempty"`
}

// CampaignPatch is the set of fields an admin edit may touch. Nil fields keep
// the stored value.
type CampaignPatch struct {
	ProductName        *string          `json:"productName"`
	ProductImage       *string          `json:"productImage"`
	ProductDescription *string          `json:"productDescription"`
	VideoURL           *string          `json:"videoUrl"`
	TermsURL           *string          `json:"termsUrl"`
	MerchantName       *string          `json:"merchantName"`
	InitialPrice       *decimal.Decimal `json:"initialPrice"`
	InitialBuyers      *int             `json:"initialBuyers"`
	Tiers              *[]Tier          `json:"tiers"`
	CheckoutURL        *string          `json:"checkoutUrl"`
	ReferralsNeeded    *int             `json:"referralsNeeded"`
	CountdownEnd       *time.Time       `json:"countdownEnd"`
	SMS                *SMSSettings     `json:"twilio"`
}
