package main

import (
	"io"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/unclebandit/dropleopard/internal/model"
)

// campaignDefinition is the YAML shape accepted by "seeder create --config".
// Unset fields keep the template value.
type campaignDefinition struct {
	ID                 string      `yaml:"id"`
	ProductName        string      `yaml:"productName"`
	ProductImage       string      `yaml:"productImage"`
	ProductDescription string      `yaml:"productDescription"`
	VideoURL           string      `yaml:"videoUrl"`
	TermsURL           string      `yaml:"termsUrl"`
	MerchantName       string      `yaml:"merchantName"`
	ReferralsNeeded    int         `yaml:"referralsNeeded"`
	CountdownEnd       *time.Time  `yaml:"countdownEnd"`
	Pricing            *pricingDef `yaml:"pricing"`
	Twilio             *twilioDef  `yaml:"twilio"`
}

type pricingDef struct {
	InitialPrice  *decimal.Decimal `yaml:"initialPrice"`
	InitialBuyers *int             `yaml:"initialBuyers"`
	Tiers         []model.Tier     `yaml:"tiers"`
	CheckoutURL   string           `yaml:"checkoutUrl"`
}

type twilioDef struct {
	Enabled     bool   `yaml:"enabled"`
	AccountSID  string `yaml:"accountSid"`
	AuthToken   string `yaml:"authToken"`
	PhoneNumber string `yaml:"phoneNumber"`
	Domain      string `yaml:"domain"`
}

func loadDefinition(r io.Reader) (*campaignDefinition, error) {
	var def campaignDefinition
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

func (d *campaignDefinition) apply(c *model.Campaign) {
	setString := func(dst *string, src string) {
		if src != "" {
			*dst = src
		}
	}
	setString(&c.ID, d.ID)
	setString(&c.ProductName, d.ProductName)
	setString(&c.ProductImage, d.ProductImage)
	setString(&c.ProductDescription, d.ProductDescription)
	setString(&c.VideoURL, d.VideoURL)
	setString(&c.TermsURL, d.TermsURL)
	setString(&c.MerchantName, d.MerchantName)
	if d.ReferralsNeeded != 0 {
		c.ReferralsNeeded = d.ReferralsNeeded
	}
	if d.CountdownEnd != nil {
		c.CountdownEnd = *d.CountdownEnd
	}
	if p := d.Pricing; p != nil {
		if p.InitialPrice != nil {
			c.Pricing.InitialPrice = *p.InitialPrice
		}
		if p.InitialBuyers != nil {
			c.Pricing.InitialBuyers = *p.InitialBuyers
		}
		if len(p.Tiers) > 0 {
			c.Pricing.Tiers = p.Tiers
		}
		setString(&c.Pricing.CheckoutURL, p.CheckoutURL)
	}
	if t := d.Twilio; t != nil {
		c.SMS.Enabled = t.Enabled
		setString(&c.SMS.AccountSID, t.AccountSID)
		setString(&c.SMS.AuthToken, t.AuthToken)
		setString(&c.SMS.PhoneNumber, t.PhoneNumber)
		setString(&c.SMS.Domain, t.Domain)
	}
}
