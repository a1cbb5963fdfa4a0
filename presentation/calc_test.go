package presentation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agencyflow/prospect"
)

func f64(v float64) *float64 { return &v }
func intp(v int) *int        { return &v }

func TestNeedsAnalysis(t *testing.T) {
	tests := []struct {
		name  string
		p     prospect.Prospect
		years int
		need  float64
		gap   float64
	}{
		{
			name:  "empty prospect",
			p:     prospect.Prospect{},
			years: DefaultReplacementYears,
		},
		{
			name: "default horizon",
			p: prospect.Prospect{
				AnnualIncome:     f64(80_000),
				TotalDebt:        f64(20_000),
				MortgageBalance:  f64(250_000),
				EducationNeeds:   f64(100_000),
				ExistingCoverage: f64(300_000),
				Savings:          f64(50_000),
			},
			years: 10,
			need:  1_170_000,
			gap:   820_000,
		},
		{
			name: "explicit horizon",
			p: prospect.Prospect{
				AnnualIncome:           f64(50_000),
				IncomeReplacementYears: intp(20),
			},
			years: 20,
			need:  1_000_000,
			gap:   1_000_000,
		},
		{
			name: "over insured",
			p: prospect.Prospect{
				AnnualIncome:     f64(10_000),
				ExistingCoverage: f64(500_000),
			},
			years: 10,
			need:  100_000,
			gap:   0,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			n := NeedsAnalysis(tc.p)
			assert.Equal(t, tc.years, n.ReplacementYears)
			assert.Equal(t, tc.need, n.TotalNeed)
			assert.Equal(t, tc.gap, n.ProtectionGap)
		})
	}
}

var sample = FinancialProfile{
	AnnualRevenue:     1_000_000,
	CostOfGoods:       400_000,
	OperatingExpenses: 250_000,
	OwnerCompensation: 150_000,
	TaxRate:           25,
	TotalDebt:         200_000,
	CashReserves:      160_000,
	BusinessValue:     2_000_000,
	KeyPersonCoverage: 500_000,
	BuySellCoverage:   2_500_000,
}

func TestAnalyze(t *testing.T) {
	a := Analyze(sample)

	assert.Equal(t, 600_000.0, a.GrossProfit)
	assert.Equal(t, 60.0, a.GrossMargin)
	assert.Equal(t, 200_000.0, a.OperatingIncome)
	assert.Equal(t, 20.0, a.OperatingMargin)
	assert.Equal(t, 50_000.0, a.Tax)
	assert.Equal(t, 150_000.0, a.NetIncome)
	assert.Equal(t, 15.0, a.NetMargin)
	assert.Equal(t, 0.2, a.DebtToRevenue)
	require.NotNil(t, a.CashRunwayMonths)
	assert.Equal(t, 2.4, *a.CashRunwayMonths)
	assert.Equal(t, 750_000.0, a.KeyPersonNeed)
	assert.Equal(t, 250_000.0, a.KeyPersonGap)
	assert.Equal(t, 0.0, a.BuySellGap)
}

func TestAnalyze_Degenerate(t *testing.T) {
	a := Analyze(FinancialProfile{OperatingExpenses: 10_000, TaxRate: 30})

	assert.Equal(t, -10_000.0, a.OperatingIncome)
	assert.Zero(t, a.Tax, "losses are not taxed")
	assert.Zero(t, a.GrossMargin)
	assert.Zero(t, a.DebtToRevenue)
	require.NotNil(t, a.CashRunwayMonths)
	assert.Zero(t, *a.CashRunwayMonths)

	assert.Nil(t, Analyze(FinancialProfile{CashReserves: 1}).CashRunwayMonths)
}

func TestRunScenario_IdentityAtZero(t *testing.T) {
	s := RunScenario(sample, ScenarioRequest{})

	assert.Equal(t, s.Base, s.Adjusted)
	assert.Zero(t, s.RevenueChange)
	assert.Zero(t, s.NetIncomeChange)
}

func TestRunScenario_PriceIncrease(t *testing.T) {
	for _, pct := range []float64{1, 5, 12.5, 33, 100} {
		s := RunScenario(sample, ScenarioRequest{PriceIncreasePct: pct})

		assert.Equal(t, sample.AnnualRevenue*pct/100, s.RevenueChange, "pct %v", pct)
		assert.InDelta(t, sample.AnnualRevenue*pct/100, s.Adjusted.Revenue-s.Base.Revenue, 0.001, "pct %v", pct)
		assert.Equal(t, s.Base.CostOfGoods, s.Adjusted.CostOfGoods)
		assert.Greater(t, s.NetIncomeChange, 0.0)
	}
}

func TestRunScenario_PriceIncreaseOnFractionalRevenue(t *testing.T) {
	base := FinancialProfile{AnnualRevenue: 1000.01, CostOfGoods: 333.33, OperatingExpenses: 123.45}
	for _, pct := range []float64{3, 7.5, 0.1} {
		s := RunScenario(base, ScenarioRequest{PriceIncreasePct: pct})

		want := base.AnnualRevenue * pct / 100
		assert.Equal(t, want, s.RevenueChange, "pct %v", pct)
		assert.Equal(t, base.AnnualRevenue+want, s.Adjusted.Revenue, "pct %v", pct)
	}

	s := RunScenario(base, ScenarioRequest{CostReductionPct: 3})
	assert.Equal(t, base.CostOfGoods-base.CostOfGoods*3/100, s.Adjusted.CostOfGoods)
	assert.Equal(t, base.OperatingExpenses-base.OperatingExpenses*3/100, s.Adjusted.OperatingExpenses)
}

func TestRunScenario_CostReduction(t *testing.T) {
	s := RunScenario(sample, ScenarioRequest{CostReductionPct: 10})

	assert.Equal(t, sample.AnnualRevenue, s.Adjusted.Revenue)
	assert.Equal(t, 360_000.0, s.Adjusted.CostOfGoods)
	assert.Equal(t, 225_000.0, s.Adjusted.OperatingExpenses)
	assert.Equal(t, sample.OwnerCompensation, s.Adjusted.OwnerCompensation)
	assert.InDelta(t, 65_000*0.75, s.NetIncomeChange, 0.001)
}
