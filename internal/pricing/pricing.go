// Package pricing maps a buyer count onto a campaign's tier table.
//
// Every function here is pure and tolerates unsorted tier input: tiers are
// stably sorted by buyer threshold before use, so equal thresholds resolve to
// the one listed last.
package pricing

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/unclebandit/dropleopard/internal/model"
)

// FallbackBestPrice is advertised when a campaign has no tiers at all.
var FallbackBestPrice = decimal.NewFromInt(20)

var (
	hundred = decimal.NewFromInt(100)
	half    = decimal.New(5, -1)
)

// SortTiers returns a copy of tiers ordered by ascending threshold. Ties keep
// their input order.
func SortTiers(tiers []model.Tier) []model.Tier {
	sorted := make([]model.Tier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Buyers < sorted[j].Buyers
	})
	return sorted
}

// ResolveTier returns the tier with the highest threshold not exceeding buyers.
func ResolveTier(buyers int, tiers []model.Tier) (model.Tier, bool) {
	var (
		active model.Tier
		found  bool
	)
	for _, t := range SortTiers(tiers) {
		if t.Buyers > buyers {
			break
		}
		active, found = t, true
	}
	return active, found
}

// CurrentPrice is the unit price at the given buyer count.
func CurrentPrice(buyers int, initialPrice decimal.Decimal, tiers []model.Tier) decimal.Decimal {
	if t, ok := ResolveTier(buyers, tiers); ok {
		return t.Price
	}
	return initialPrice
}

// NextTier returns the lowest-threshold tier still ahead of buyers.
func NextTier(buyers int, tiers []model.Tier) (model.Tier, bool) {
	for _, t := range SortTiers(tiers) {
		if t.Buyers > buyers {
			return t, true
		}
	}
	return model.Tier{}, false
}

// DiscountPercentage is (initial-current)/initial*100 rounded with halves
// going up, so -0.5 becomes 0 and 0.5 becomes 1. It is 0 when the initial
// price is not positive.
func DiscountPercentage(initialPrice, currentPrice decimal.Decimal) int {
	if !initialPrice.IsPositive() {
		return 0
	}
	pct := initialPrice.Sub(currentPrice).Div(initialPrice).Mul(hundred)
	return int(pct.Add(half).Floor().IntPart())
}

// BestTier is the cheapest tier. Equal prices resolve to the one with the
// higher threshold.
func BestTier(tiers []model.Tier) (model.Tier, bool) {
	if len(tiers) == 0 {
		return model.Tier{}, false
	}
	sorted := SortTiers(tiers)
	best := sorted[0]
	for _, t := range sorted[1:] {
		if !t.Price.GreaterThan(best.Price) {
			best = t
		}
	}
	return best, true
}

// BestPrice is the lowest price across all tiers.
func BestPrice(tiers []model.Tier) decimal.Decimal {
	if t, ok := BestTier(tiers); ok {
		return t.Price
	}
	return FallbackBestPrice
}

// Quote is the full pricing projection for one buyer count.
type Quote struct {
	Buyers             int             `json:"currentBuyers"`
	CurrentPrice       decimal.Decimal `json:"currentPrice"`
	DiscountPercentage int             `json:"discountPercentage"`
	BestPrice          decimal.Decimal `json:"bestPrice"`
	NextTier           *model.Tier     `json:"nextTier,omitempty"`
	BuyersToNextTier   int             `json:"buyersToNextTier"`
}

// QuoteFor computes the projection for buyers against p.
func QuoteFor(buyers int, p model.Pricing) Quote {
	if buyers < 0 {
		buyers = 0
	}
	current := CurrentPrice(buyers, p.InitialPrice, p.Tiers)
	q := Quote{
		Buyers:             buyers,
		CurrentPrice:       current,
		DiscountPercentage: DiscountPercentage(p.InitialPrice, current),
		BestPrice:          BestPrice(p.Tiers),
	}
	if next, ok := NextTier(buyers, p.Tiers); ok {
		q.NextTier = &next
		q.BuyersToNextTier = next.Buyers - buyers
	}
	return q
}

// ShapeWarnings lists the places where the price curve does not fall as the
// threshold rises. Such tables are accepted but produce a non-monotonic
// price, so callers log them.
func ShapeWarnings(initialPrice decimal.Decimal, tiers []model.Tier) []string {
	var warnings []string
	prev := initialPrice
	prevLabel := "initial price"
	for _, t := range SortTiers(tiers) {
		if t.Price.GreaterThan(prev) {
			warnings = append(warnings, fmt.Sprintf(
				"tier at %d buyers costs %s, more than %s (%s)", t.Buyers, t.Price, prevLabel, prev))
		}
		prev = t.Price
		prevLabel = fmt.Sprintf("tier at %d buyers", t.Buyers)
	}
	return warnings
}

// CouponLabel returns the tier's coupon code, or a label synthesized from the
// price when the tier has none.
func CouponLabel(code string, price decimal.Decimal) string {
	if code != "" {
		return code
	}
	return "DROP" + price.Round(0).String()
}
