// internal/notify/templates.go
package notify

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const stopFooter = " Reply STOP to unsubscribe."

const (
	welcomeTemplate = "You're in the drop! 🎉 Share your unique link to unlock the lowest price (${best_price}) now: {referral_url} - Get {friends} to join and you win!" + stopFooter

	unlockTemplate = "You unlocked the best price! 🔓 {friends} joined with your link, so your price is now ${best_price}. Code: {coupon_code} Checkout: {link}" + stopFooter

	reminderTemplate = "⏰ About 2 hours left in the drop! {current_buyers} buyers so far, {buyers_needed} more unlocks ${next_price}. Or get {friends} to join and lock in ${best_price}: {referral_url}" + stopFooter

	reminderLastTierTemplate = "⏰ About 2 hours left in the drop! {current_buyers} buyers so far and the lowest tier is live. Get {friends} to join and lock in ${best_price}: {referral_url}" + stopFooter

	endOfDropTemplate = "The drop has ended! 🎉 {current_buyers} buyers joined and your final price is ${final_price}. Use code {coupon_code} at checkout: {link}" + stopFooter

	optOutTemplate = "You've been unsubscribed. You will no longer receive messages. Reply START to resubscribe."

	optInTemplate = "You're subscribed! Welcome back to the drop."
)

// RenderTemplate replaces every {key} in template with its value in a single
// pass. Values are inserted verbatim, even when they contain {key} text.
func RenderTemplate(template string, data map[string]string) string {
	pairs := make([]string, 0, 2*len(data))
	for k, v := range data {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// ReferralURL is the landing page link that attributes joins to code. Legacy
// joins have no campaign and get the bare ?ref= form.
func ReferralURL(domain, campaignID, code string) string {
	domain = strings.TrimRight(domain, "/")
	if campaignID == "" {
		return domain + "/?ref=" + url.QueryEscape(code)
	}
	return domain + "/?v=" + url.QueryEscape(campaignID) + "&ref=" + url.QueryEscape(code)
}

func friends(n int) string {
	if n == 1 {
		return "1 friend"
	}
	return strconv.Itoa(n) + " friends"
}

type WelcomeParams struct {
	BestPrice       decimal.Decimal
	ReferralsNeeded int
	ReferralURL     string
}

func WelcomeMessage(p WelcomeParams) string {
	return RenderTemplate(welcomeTemplate, map[string]string{
		"best_price":   p.BestPrice.String(),
		"referral_url": p.ReferralURL,
		"friends":      friends(p.ReferralsNeeded),
	})
}

type UnlockParams struct {
	BestPrice       decimal.Decimal
	ReferralsNeeded int
	CouponCode      string
	// Link is the checkout URL, or the referral link when the campaign has none.
	Link string
}

func UnlockMessage(p UnlockParams) string {
	return RenderTemplate(unlockTemplate, map[string]string{
		"best_price":  p.BestPrice.String(),
		"friends":     friends(p.ReferralsNeeded),
		"coupon_code": p.CouponCode,
		"link":        p.Link,
	})
}

type ReminderParams struct {
	CurrentBuyers      int
	BuyersToNextTier   int
	NextPrice          *decimal.Decimal
	BestPrice          decimal.Decimal
	ReferralsRemaining int
	ReferralURL        string
}

func ReminderMessage(p ReminderParams) string {
	data := map[string]string{
		"current_buyers": strconv.Itoa(p.CurrentBuyers),
		"buyers_needed":  strconv.Itoa(p.BuyersToNextTier),
		"best_price":     p.BestPrice.String(),
		"friends":        friends(p.ReferralsRemaining),
		"referral_url":   p.ReferralURL,
	}
	if p.NextPrice == nil {
		return RenderTemplate(reminderLastTierTemplate, data)
	}
	data["next_price"] = p.NextPrice.String()
	return RenderTemplate(reminderTemplate, data)
}

type EndOfDropParams struct {
	CurrentBuyers int
	FinalPrice    decimal.Decimal
	CouponCode    string
	Link          string
}

func EndOfDropMessage(p EndOfDropParams) string {
	return RenderTemplate(endOfDropTemplate, map[string]string{
		"current_buyers": strconv.Itoa(p.CurrentBuyers),
		"final_price":    p.FinalPrice.String(),
		"coupon_code":    p.CouponCode,
		"link":           p.Link,
	})
}

func OptOutMessage() string { return optOutTemplate }

func OptInMessage() string { return optInTemplate }
