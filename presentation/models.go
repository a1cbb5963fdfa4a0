package presentation

import "time"

// DefaultReplacementYears applies when a prospect has no income replacement
// horizon recorded.
const DefaultReplacementYears = 10

// KeyPersonMultiple is the owner-compensation multiple used to size
// key-person coverage.
const KeyPersonMultiple = 5

// Needs is the personal protection analysis of one prospect.
type Needs struct {
	DebtNeed         float64 `json:"debtNeed"`
	MortgageNeed     float64 `json:"mortgageNeed"`
	IncomeNeed       float64 `json:"incomeNeed"`
	EducationNeed    float64 `json:"educationNeed"`
	ReplacementYears int     `json:"replacementYears"`
	TotalNeed        float64 `json:"totalNeed"`
	ExistingCoverage float64 `json:"existingCoverage"`
	Savings          float64 `json:"savings"`
	ProtectionGap    float64 `json:"protectionGap"`
}

// FinancialProfile holds the figures a business analysis is computed from.
// Percentages are whole numbers (25 means 25%).
type FinancialProfile struct {
	AnnualRevenue     float64 `json:"annualRevenue" validate:"gte=0"`
	CostOfGoods       float64 `json:"costOfGoods" validate:"gte=0"`
	OperatingExpenses float64 `json:"operatingExpenses" validate:"gte=0"`
	OwnerCompensation float64 `json:"ownerCompensation" validate:"gte=0"`
	TaxRate           float64 `json:"taxRate" validate:"gte=0,lte=100"`
	TotalDebt         float64 `json:"totalDebt" validate:"gte=0"`
	CashReserves      float64 `json:"cashReserves" validate:"gte=0"`
	BusinessValue     float64 `json:"businessValue" validate:"gte=0"`
	KeyPersonCoverage float64 `json:"keyPersonCoverage" validate:"gte=0"`
	BuySellCoverage   float64 `json:"buySellCoverage" validate:"gte=0"`
}

type BusinessProspect struct {
	ID             string  `json:"id"`
	OrganizationID string  `json:"organizationId"`
	AgentID        string  `json:"agentId"`
	ProspectID     *string `json:"prospectId,omitempty"`
	BusinessName   string  `json:"businessName"`
	Industry       *string `json:"industry,omitempty"`
	EntityType     *string `json:"entityType,omitempty"`
	Employees      int     `json:"employees"`
	FinancialProfile
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type CreateBusinessRequest struct {
	ProspectID   *string `json:"prospectId" validate:"omitempty,uuid"`
	BusinessName string  `json:"businessName" validate:"required,max=200"`
	Industry     *string `json:"industry" validate:"omitempty,max=100"`
	EntityType   *string `json:"entityType" validate:"omitempty,max=50"`
	Employees    int     `json:"employees" validate:"gte=0"`
	FinancialProfile
}

type UpdateBusinessRequest struct {
	BusinessName      *string  `json:"businessName" validate:"omitempty,min=1,max=200"`
	Industry          *string  `json:"industry" validate:"omitempty,max=100"`
	EntityType        *string  `json:"entityType" validate:"omitempty,max=50"`
	Employees         *int     `json:"employees" validate:"omitempty,gte=0"`
	AnnualRevenue     *float64 `json:"annualRevenue" validate:"omitempty,gte=0"`
	CostOfGoods       *float64 `json:"costOfGoods" validate:"omitempty,gte=0"`
	OperatingExpenses *float64 `json:"operatingExpenses" validate:"omitempty,gte=0"`
	OwnerCompensation *float64 `json:"ownerCompensation" validate:"omitempty,gte=0"`
	TaxRate           *float64 `json:"taxRate" validate:"omitempty,gte=0,lte=100"`
	TotalDebt         *float64 `json:"totalDebt" validate:"omitempty,gte=0"`
	CashReserves      *float64 `json:"cashReserves" validate:"omitempty,gte=0"`
	BusinessValue     *float64 `json:"businessValue" validate:"omitempty,gte=0"`
	KeyPersonCoverage *float64 `json:"keyPersonCoverage" validate:"omitempty,gte=0"`
	BuySellCoverage   *float64 `json:"buySellCoverage" validate:"omitempty,gte=0"`
}

// Analysis is derived from a FinancialProfile. Margins are percentages of
// revenue and are zero when there is no revenue.
type Analysis struct {
	Revenue           float64  `json:"revenue"`
	CostOfGoods       float64  `json:"costOfGoods"`
	OperatingExpenses float64  `json:"operatingExpenses"`
	OwnerCompensation float64  `json:"ownerCompensation"`
	GrossProfit       float64  `json:"grossProfit"`
	GrossMargin       float64  `json:"grossMargin"`
	OperatingIncome   float64  `json:"operatingIncome"`
	OperatingMargin   float64  `json:"operatingMargin"`
	Tax               float64  `json:"tax"`
	NetIncome         float64  `json:"netIncome"`
	NetMargin         float64  `json:"netMargin"`
	DebtToRevenue     float64  `json:"debtToRevenue"`
	CashRunwayMonths  *float64 `json:"cashRunwayMonths"`
	KeyPersonNeed     float64  `json:"keyPersonNeed"`
	KeyPersonGap      float64  `json:"keyPersonGap"`
	BuySellGap        float64  `json:"buySellGap"`
}

type ScenarioRequest struct {
	PriceIncreasePct float64 `json:"priceIncreasePct" validate:"gte=0,lte=100"`
	CostReductionPct float64 `json:"costReductionPct" validate:"gte=0,lte=100"`
}

// Scenario compares the base analysis with one where prices rose and costs
// fell by the requested percentages.
type Scenario struct {
	ScenarioRequest
	Base            Analysis `json:"base"`
	Adjusted        Analysis `json:"adjusted"`
	RevenueChange   float64  `json:"revenueChange"`
	NetIncomeChange float64  `json:"netIncomeChange"`
}

// HistoryEntry is a yearly snapshot used for trend charts.
type HistoryEntry struct {
	ID                 string    `json:"id"`
	BusinessProspectID string    `json:"businessProspectId"`
	Year               int       `json:"year"`
	AnnualRevenue      float64   `json:"annualRevenue"`
	CostOfGoods        float64   `json:"costOfGoods"`
	OperatingExpenses  float64   `json:"operatingExpenses"`
	NetIncome          float64   `json:"netIncome"`
	CreatedAt          time.Time `json:"createdAt"`
}

type HistoryRequest struct {
	Year int `json:"year" validate:"required,gte=1900,lte=2200"`
}
