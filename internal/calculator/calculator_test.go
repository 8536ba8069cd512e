package calculator_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tierbot/internal/calculator"
	"tierbot/internal/domain"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func constraints(quote, base, min string) domain.ProductConstraints {
	return domain.ProductConstraints{
		ProductID:      "BTC-USD",
		QuoteIncrement: d(quote),
		BaseIncrement:  d(base),
		BaseMinSize:    d(min),
	}
}

func threeTiers() []calculator.ProfitTier {
	return []calculator.ProfitTier{
		{ProfitFraction: d("0.01"), QuantityFraction: d("0.3333")},
		{ProfitFraction: d("0.02"), QuantityFraction: d("0.3333")},
		{ProfitFraction: d("0.03"), QuantityFraction: d("0.3334"), Terminal: true},
	}
}

func TestFloorToIncrement(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value, increment, want string
	}{
		{"1.26", "0.1", "1.2"},
		{"1.2", "0.1", "1.2"},
		{"0.09", "0.1", "0"},
		{"101.999", "0.01", "101.99"},
		{"-1.26", "0.1", "-1.2"},
		{"12345.6789", "5", "12345"},
		{"0.123456789", "0.00000001", "0.12345678"},
	}

	for _, tt := range tests {
		got, err := calculator.FloorToIncrement(d(tt.value), d(tt.increment))
		require.NoError(t, err)
		assert.True(t, d(tt.want).Equal(got), "floor(%s, %s) = %s, want %s", tt.value, tt.increment, got, tt.want)
	}

	_, err := calculator.FloorToIncrement(d("1"), decimal.Zero)
	assert.ErrorIs(t, err, calculator.ErrInvalidInput)
}

func TestComputeBuyOrder(t *testing.T) {
	t.Parallel()

	pc := constraints("0.01", "0.00001", "0.001")

	order, err := calculator.ComputeBuyOrder(d("20"), d("3001.237"), pc)
	require.NoError(t, err)
	assert.Equal(t, "3001.23", pc.FormatPrice(order.Price))
	// 20 / 3001.23 = 0.0066639...
	assert.Equal(t, "0.00666", pc.FormatSize(order.Size))
	assert.True(t, order.Size.Mul(order.Price).LessThanOrEqual(d("20")))
}

func TestComputeBuyOrder_ExactDivision(t *testing.T) {
	t.Parallel()

	pc := constraints("0.01", "0.0001", "0.001")

	order, err := calculator.ComputeBuyOrder(d("100"), d("100"), pc)
	require.NoError(t, err)
	assert.True(t, d("1").Equal(order.Size))

	// 10/3 must not round up past a base increment.
	order, err = calculator.ComputeBuyOrder(d("10"), d("3"), pc)
	require.NoError(t, err)
	assert.Equal(t, "3.3333", pc.FormatSize(order.Size))
}

func TestComputeBuyOrder_Rejections(t *testing.T) {
	t.Parallel()

	pc := constraints("0.01", "0.0001", "0.001")

	_, err := calculator.ComputeBuyOrder(d("20"), d("0.009"), pc)
	assert.ErrorIs(t, err, calculator.ErrNonPositivePrice)

	_, err = calculator.ComputeBuyOrder(d("0.05"), d("100"), pc)
	assert.ErrorIs(t, err, calculator.ErrBelowMinimumSize)

	_, err = calculator.ComputeBuyOrder(decimal.Zero, d("100"), pc)
	assert.ErrorIs(t, err, calculator.ErrInvalidInput)

	_, err = calculator.ComputeBuyOrder(d("20"), d("100"), constraints("0", "0.0001", "0.001"))
	assert.ErrorIs(t, err, calculator.ErrInvalidInput)
}

func TestComputeSellTiers_ThreeTiers(t *testing.T) {
	t.Parallel()

	pc := constraints("0.01", "0.0001", "0.001")

	plan, err := calculator.ComputeSellTiers(d("100.0"), d("1.0"), threeTiers(), pc)
	require.NoError(t, err)
	require.Len(t, plan.Orders, 3)

	sizes := make([]string, 0, 3)
	prices := make([]string, 0, 3)
	for _, o := range plan.Orders {
		sizes = append(sizes, pc.FormatSize(o.Size))
		prices = append(prices, pc.FormatPrice(o.Price))
	}

	assert.Equal(t, []string{"0.3333", "0.3333", "0.3334"}, sizes)
	assert.Equal(t, []string{"101.00", "102.00", "103.00"}, prices)
	assert.True(t, d("1").Equal(plan.TotalSize()))
	assert.True(t, plan.Remaining.IsZero())
	assert.False(t, plan.UnsoldRemainder)
	assert.Empty(t, plan.Skipped)
}

func TestComputeSellTiers_TerminalAbsorbsDust(t *testing.T) {
	t.Parallel()

	pc := constraints("0.01", "0.001", "0.001")
	tiers := []calculator.ProfitTier{
		{ProfitFraction: d("0.01"), QuantityFraction: d("0.3333")},
		{ProfitFraction: d("0.04"), QuantityFraction: d("0.3333")},
		{ProfitFraction: d("0.07"), Terminal: true},
	}

	plan, err := calculator.ComputeSellTiers(d("2500.37"), d("0.00799"), tiers, pc)
	require.NoError(t, err)

	// 0.00799 * 0.3333 = 0.002663 -> 0.002 each; terminal takes 0.00399 -> 0.003
	require.Len(t, plan.Orders, 3)
	assert.Equal(t, "0.002", pc.FormatSize(plan.Orders[0].Size))
	assert.Equal(t, "0.002", pc.FormatSize(plan.Orders[1].Size))
	assert.Equal(t, "0.003", pc.FormatSize(plan.Orders[2].Size))
	assert.True(t, plan.TotalSize().LessThanOrEqual(d("0.00799")))
	assert.Equal(t, "2525.37", pc.FormatPrice(plan.Orders[0].Price))
	assert.Equal(t, "2600.38", pc.FormatPrice(plan.Orders[1].Price))
	assert.Equal(t, "2675.39", pc.FormatPrice(plan.Orders[2].Price))
}

func TestComputeSellTiers_SkipsDustTier(t *testing.T) {
	t.Parallel()

	pc := constraints("0.01", "0.0001", "0.01")
	tiers := []calculator.ProfitTier{
		{ProfitFraction: d("0.01"), QuantityFraction: d("0.005")},
		{ProfitFraction: d("0.02"), QuantityFraction: d("0.5")},
		{ProfitFraction: d("0.03"), Terminal: true},
	}

	plan, err := calculator.ComputeSellTiers(d("100"), d("1"), tiers, pc)
	require.NoError(t, err)

	require.Len(t, plan.Skipped, 1)
	assert.Equal(t, 0, plan.Skipped[0].Tier)
	require.Len(t, plan.Orders, 2)
	assert.Equal(t, 1, plan.Orders[0].Tier)
	assert.Equal(t, "0.5000", pc.FormatSize(plan.Orders[0].Size))
	// The skipped tier did not reduce the remainder, so the terminal tier sells the rest.
	assert.Equal(t, "0.5000", pc.FormatSize(plan.Orders[1].Size))
	assert.True(t, d("1").Equal(plan.TotalSize()))
}

func TestComputeSellTiers_SumProperty(t *testing.T) {
	t.Parallel()

	pc := constraints("0.01", "0.0001", "0.001")
	quantities := []string{"1", "0.0021", "0.0999", "3.14159", "0.0033", "42.4242"}
	fractions := [][]string{
		{"0.3333", "0.3333"},
		{"0.5"},
		{"0.1", "0.2", "0.3"},
		{"0.0001", "0.9"},
	}

	for _, q := range quantities {
		for _, fs := range fractions {
			tiers := make([]calculator.ProfitTier, 0, len(fs)+1)
			for i, f := range fs {
				tiers = append(tiers, calculator.ProfitTier{
					ProfitFraction:   d("0.01").Mul(decimal.NewFromInt(int64(i + 1))),
					QuantityFraction: d(f),
				})
			}
			tiers = append(tiers, calculator.ProfitTier{ProfitFraction: d("0.1"), Terminal: true})

			plan, err := calculator.ComputeSellTiers(d("100"), d(q), tiers, pc)
			require.NoError(t, err, "q=%s fractions=%v", q, fs)

			total := plan.TotalSize()
			assert.True(t, total.LessThanOrEqual(d(q)), "q=%s fractions=%v total=%s", q, fs, total)
			assert.True(t, total.Add(plan.Remaining).Equal(d(q)), "emitted + remaining must equal bought")
			for _, o := range plan.Orders {
				assert.True(t, o.Size.GreaterThanOrEqual(pc.BaseMinSize))
				floored, _ := calculator.FloorToIncrement(o.Size, pc.BaseIncrement)
				assert.True(t, floored.Equal(o.Size), "size %s not on increment", o.Size)
			}
		}
	}
}

func TestComputeSellTiers_OverspendAborts(t *testing.T) {
	t.Parallel()

	pc := constraints("0.01", "0.0001", "0.001")
	tiers := []calculator.ProfitTier{
		{ProfitFraction: d("0.01"), QuantityFraction: d("0.6")},
		{ProfitFraction: d("0.02"), QuantityFraction: d("0.6")},
		{ProfitFraction: d("0.03"), Terminal: true},
	}

	plan, err := calculator.ComputeSellTiers(d("100"), d("1"), tiers, pc)
	assert.ErrorIs(t, err, calculator.ErrRemainderOverspent)
	assert.Empty(t, plan.Orders)
}

func TestComputeSellTiers_UnsoldRemainder(t *testing.T) {
	t.Parallel()

	pc := constraints("0.01", "0.0001", "1")

	tiers := []calculator.ProfitTier{
		{ProfitFraction: d("0.01"), QuantityFraction: d("0.5")},
	}
	plan, err := calculator.ComputeSellTiers(d("100"), d("6"), tiers, pc)
	require.NoError(t, err)
	require.Len(t, plan.Orders, 1)
	assert.True(t, d("3").Equal(plan.Remaining))
	assert.True(t, plan.UnsoldRemainder)

	tiers = append(tiers, calculator.ProfitTier{ProfitFraction: d("0.02"), Terminal: true})
	plan, err = calculator.ComputeSellTiers(d("100"), d("6"), tiers, pc)
	require.NoError(t, err)
	require.Len(t, plan.Orders, 2)
	assert.True(t, plan.Remaining.IsZero())
	assert.False(t, plan.UnsoldRemainder)
}

func TestComputeSellTiers_InvalidInput(t *testing.T) {
	t.Parallel()

	pc := constraints("0.01", "0.0001", "0.001")

	_, err := calculator.ComputeSellTiers(decimal.Zero, d("1"), threeTiers(), pc)
	assert.ErrorIs(t, err, calculator.ErrInvalidInput)

	_, err = calculator.ComputeSellTiers(d("100"), d("-1"), threeTiers(), pc)
	assert.ErrorIs(t, err, calculator.ErrInvalidInput)

	_, err = calculator.ComputeSellTiers(d("100"), d("1"), nil, pc)
	assert.ErrorIs(t, err, calculator.ErrInvalidInput)

	bad := threeTiers()
	bad[0].QuantityFraction = d("1.5")
	_, err = calculator.ComputeSellTiers(d("100"), d("1"), bad, pc)
	assert.ErrorIs(t, err, calculator.ErrInvalidInput)

	bad = threeTiers()
	bad[1].ProfitFraction = decimal.Zero
	_, err = calculator.ComputeSellTiers(d("100"), d("1"), bad, pc)
	assert.ErrorIs(t, err, calculator.ErrInvalidInput)
}
