package presentation

import (
	"math"

	"agencyflow/prospect"
)

// NeedsAnalysis sizes the life-insurance need of p: debts, mortgage, income
// over the replacement horizon and education, less what is already covered.
func NeedsAnalysis(p prospect.Prospect) Needs {
	years := DefaultReplacementYears
	if p.IncomeReplacementYears != nil && *p.IncomeReplacementYears > 0 {
		years = *p.IncomeReplacementYears
	}
	n := Needs{
		DebtNeed:         value(p.TotalDebt),
		MortgageNeed:     value(p.MortgageBalance),
		IncomeNeed:       value(p.AnnualIncome) * float64(years),
		EducationNeed:    value(p.EducationNeeds),
		ReplacementYears: years,
		ExistingCoverage: value(p.ExistingCoverage),
		Savings:          value(p.Savings),
	}
	n.TotalNeed = n.DebtNeed + n.MortgageNeed + n.IncomeNeed + n.EducationNeed
	n.ProtectionGap = math.Max(0, n.TotalNeed-n.ExistingCoverage-n.Savings)
	return n
}

// Analyze derives ratios and coverage gaps from f. Owner compensation is an
// operating cost; tax applies only to positive operating income.
func Analyze(f FinancialProfile) Analysis {
	a := Analysis{
		Revenue:           f.AnnualRevenue,
		CostOfGoods:       f.CostOfGoods,
		OperatingExpenses: f.OperatingExpenses,
		OwnerCompensation: f.OwnerCompensation,
	}
	a.GrossProfit = f.AnnualRevenue - f.CostOfGoods
	a.OperatingIncome = a.GrossProfit - f.OperatingExpenses - f.OwnerCompensation
	if a.OperatingIncome > 0 {
		a.Tax = round2(a.OperatingIncome * f.TaxRate / 100)
	}
	a.NetIncome = a.OperatingIncome - a.Tax

	a.GrossMargin = percentOf(a.GrossProfit, f.AnnualRevenue)
	a.OperatingMargin = percentOf(a.OperatingIncome, f.AnnualRevenue)
	a.NetMargin = percentOf(a.NetIncome, f.AnnualRevenue)
	if f.AnnualRevenue > 0 {
		a.DebtToRevenue = round2(f.TotalDebt / f.AnnualRevenue)
	}

	monthlyBurn := (f.CostOfGoods + f.OperatingExpenses + f.OwnerCompensation) / 12
	if monthlyBurn > 0 {
		months := round2(f.CashReserves / monthlyBurn)
		a.CashRunwayMonths = &months
	}

	a.KeyPersonNeed = KeyPersonMultiple * f.OwnerCompensation
	a.KeyPersonGap = math.Max(0, a.KeyPersonNeed-f.KeyPersonCoverage)
	a.BuySellGap = math.Max(0, f.BusinessValue-f.BuySellCoverage)
	return a
}

// RunScenario applies a price increase to revenue and a cost reduction to
// cost of goods and operating expenses, then recomputes everything. Zero
// percentages leave the profile untouched. Adjusted inputs are not rounded;
// only derived ratios and tax are.
func RunScenario(f FinancialProfile, req ScenarioRequest) Scenario {
	adjusted := f
	revenueChange := 0.0
	if req.PriceIncreasePct != 0 {
		revenueChange = f.AnnualRevenue * req.PriceIncreasePct / 100
		adjusted.AnnualRevenue = f.AnnualRevenue + revenueChange
	}
	if req.CostReductionPct != 0 {
		adjusted.CostOfGoods = f.CostOfGoods - f.CostOfGoods*req.CostReductionPct/100
		adjusted.OperatingExpenses = f.OperatingExpenses - f.OperatingExpenses*req.CostReductionPct/100
	}

	s := Scenario{
		ScenarioRequest: req,
		Base:            Analyze(f),
		Adjusted:        Analyze(adjusted),
		RevenueChange:   revenueChange,
	}
	s.NetIncomeChange = s.Adjusted.NetIncome - s.Base.NetIncome
	return s
}

func percentOf(part, whole float64) float64 {
	if whole <= 0 {
		return 0
	}
	return round2(part / whole * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func value(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
