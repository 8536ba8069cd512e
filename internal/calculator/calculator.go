// Package calculator derives buy and tiered sell orders under exchange precision rules.
// All arithmetic is exact decimal; nothing here touches binary floating point.
package calculator

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"tierbot/internal/domain"
)

// Validation rejections. These are expected outcomes, not bugs.
var (
	// ErrInvalidInput is returned for non-positive inputs, bad increments or malformed tiers.
	ErrInvalidInput = errors.New("invalid calculator input")
	// ErrNonPositivePrice is returned when the rounded limit price is zero or negative.
	ErrNonPositivePrice = errors.New("rounded price is not positive")
	// ErrBelowMinimumSize is returned when the rounded buy size is below the product minimum.
	ErrBelowMinimumSize = errors.New("size below minimum")
)

// ErrRemainderOverspent signals a calculation defect: the tiers sold more than was bought.
var ErrRemainderOverspent = errors.New("sell tiers overspend the position")

var one = decimal.NewFromInt(1)

// ProfitTier is one sell target.
type ProfitTier struct {
	// ProfitFraction is the gain over the buy price, e.g. 0.01 for 1%.
	ProfitFraction decimal.Decimal
	// QuantityFraction is the share of the bought quantity sold at this tier.
	// Ignored for the terminal tier.
	QuantityFraction decimal.Decimal
	// Terminal marks the tier that sells everything still remaining.
	Terminal bool
}

// BuyOrder is a sized and priced limit buy.
type BuyOrder struct {
	Size  decimal.Decimal
	Price decimal.Decimal
}

// SellOrder is one tier's sized and priced limit sell.
type SellOrder struct {
	// Tier is the zero based index of the tier in the configured list.
	Tier  int
	Price decimal.Decimal
	Size  decimal.Decimal
}

// SkippedTier records a tier that produced no order because its size rounded too small.
type SkippedTier struct {
	Tier int
	Size decimal.Decimal
}

// SellPlan is the outcome of ComputeSellTiers.
type SellPlan struct {
	// Orders are the emitted sells in tier order.
	Orders []SellOrder
	// Skipped are tiers dropped as dust.
	Skipped []SkippedTier
	// Remaining is the quantity left unallocated after all tiers.
	Remaining decimal.Decimal
	// UnsoldRemainder is true when Remaining still exceeds the minimum size.
	UnsoldRemainder bool
}

// TotalSize sums the emitted sizes.
func (p SellPlan) TotalSize() decimal.Decimal {
	total := decimal.Zero
	for _, o := range p.Orders {
		total = total.Add(o.Size)
	}
	return total
}

// FloorToIncrement truncates value to a whole number of increments, toward zero.
func FloorToIncrement(value, increment decimal.Decimal) (decimal.Decimal, error) {
	if !increment.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: increment %s must be positive", ErrInvalidInput, increment)
	}
	q, _ := value.QuoRem(increment, 0)
	return q.Mul(increment), nil
}

// ComputeBuyOrder sizes a limit buy that spends at most spend at lastPrice.
func ComputeBuyOrder(spend, lastPrice decimal.Decimal, pc domain.ProductConstraints) (BuyOrder, error) {
	if !pc.Valid() {
		return BuyOrder{}, fmt.Errorf("%w: product constraints must be positive", ErrInvalidInput)
	}
	if !spend.IsPositive() {
		return BuyOrder{}, fmt.Errorf("%w: spend amount %s must be positive", ErrInvalidInput, spend)
	}

	price, err := FloorToIncrement(lastPrice, pc.QuoteIncrement)
	if err != nil {
		return BuyOrder{}, err
	}
	if !price.IsPositive() {
		return BuyOrder{}, fmt.Errorf("%w: %s floored to %s", ErrNonPositivePrice, lastPrice, price)
	}

	// floor(spend/price, inc) == trunc(spend / (price*inc)) * inc, computed exactly.
	units, _ := spend.QuoRem(price.Mul(pc.BaseIncrement), 0)
	size := units.Mul(pc.BaseIncrement)
	if size.LessThan(pc.BaseMinSize) {
		return BuyOrder{}, fmt.Errorf("%w: size %s < min %s", ErrBelowMinimumSize, size, pc.BaseMinSize)
	}

	return BuyOrder{Size: size, Price: price}, nil
}

// ValidateTiers checks tier fields without looking at exchange constraints.
func ValidateTiers(tiers []ProfitTier) error {
	if len(tiers) == 0 {
		return fmt.Errorf("%w: no profit tiers", ErrInvalidInput)
	}
	for i, t := range tiers {
		if !t.ProfitFraction.IsPositive() {
			return fmt.Errorf("%w: tier %d profit fraction must be positive", ErrInvalidInput, i+1)
		}
		if t.Terminal {
			continue
		}
		if !t.QuantityFraction.IsPositive() || t.QuantityFraction.GreaterThan(one) {
			return fmt.Errorf("%w: tier %d quantity fraction must be in (0,1]", ErrInvalidInput, i+1)
		}
	}
	return nil
}

// ComputeSellTiers decomposes a filled buy into tiered limit sells.
//
// Tiers are walked in order against a running remainder. The terminal tier takes the whole
// remainder, which absorbs the rounding dust of earlier tiers. Tiers whose rounded size is zero
// or below the product minimum are skipped and leave the remainder untouched. If the remainder
// drops below -base_increment the whole computation fails with ErrRemainderOverspent and no
// orders are returned.
func ComputeSellTiers(buyPrice, buyQuantity decimal.Decimal, tiers []ProfitTier, pc domain.ProductConstraints) (SellPlan, error) {
	if !buyPrice.IsPositive() || !buyQuantity.IsPositive() {
		return SellPlan{}, fmt.Errorf("%w: buy price %s and quantity %s must be positive", ErrInvalidInput, buyPrice, buyQuantity)
	}
	if !pc.Valid() {
		return SellPlan{}, fmt.Errorf("%w: product constraints must be positive", ErrInvalidInput)
	}
	if err := ValidateTiers(tiers); err != nil {
		return SellPlan{}, err
	}

	slack := pc.BaseIncrement.Neg()
	remaining := buyQuantity
	plan := SellPlan{Orders: make([]SellOrder, 0, len(tiers))}

	for i, tier := range tiers {
		price, err := FloorToIncrement(buyPrice.Mul(one.Add(tier.ProfitFraction)), pc.QuoteIncrement)
		if err != nil {
			return SellPlan{}, err
		}

		rawQty := buyQuantity.Mul(tier.QuantityFraction)
		if tier.Terminal {
			rawQty = remaining
		}
		qty, err := FloorToIncrement(rawQty, pc.BaseIncrement)
		if err != nil {
			return SellPlan{}, err
		}

		if !qty.IsPositive() || qty.LessThan(pc.BaseMinSize) {
			plan.Skipped = append(plan.Skipped, SkippedTier{Tier: i, Size: qty})
			continue
		}

		remaining = remaining.Sub(qty)
		plan.Orders = append(plan.Orders, SellOrder{Tier: i, Price: price, Size: qty})

		if remaining.LessThan(slack) {
			return SellPlan{}, fmt.Errorf("%w: remaining %s after tier %d (bought %s)",
				ErrRemainderOverspent, remaining, i+1, buyQuantity)
		}
	}

	plan.Remaining = remaining
	plan.UnsoldRemainder = remaining.GreaterThan(pc.BaseMinSize)
	return plan, nil
}
