package metering

// DefaultCatalogDefinition returns the built-in catalog used when no
// catalog file is configured. It covers the financial product lines with a
// free/pro/enterprise tier ladder; free is the fallback tier everywhere so
// a provisioning gap never grants more than the free allowance.
func DefaultCatalogDefinition() CatalogDefinition {
	return CatalogDefinition{
		Services: []ServiceDefinition{
			{
				Name:        "cash-flow",
				DefaultTier: "free",
				Metrics: []MetricDefinition{
					{Name: "transactions", Cadence: string(CadenceMonthly)},
					{Name: "report-exports", Cadence: string(CadenceDaily)},
					{Name: "ledger-archives", Cadence: string(CadenceNever)},
				},
				Tiers: []TierDefinition{
					{Name: "free", Limits: map[string]int64{
						"transactions":    100,
						"report-exports":  5,
						"ledger-archives": 1,
					}},
					{Name: "pro", Limits: map[string]int64{
						"transactions":    10000,
						"report-exports":  100,
						"ledger-archives": 24,
					}},
					{Name: "enterprise", Limits: map[string]int64{
						"transactions":    -1,
						"report-exports":  -1,
						"ledger-archives": -1,
					}},
				},
			},
			{
				Name:        "purchase-orders",
				DefaultTier: "free",
				Metrics: []MetricDefinition{
					{Name: "orders", Cadence: string(CadenceMonthly)},
					{Name: "approval-requests", Cadence: string(CadenceDaily)},
				},
				Tiers: []TierDefinition{
					{Name: "free", Limits: map[string]int64{
						"orders":            50,
						"approval-requests": 20,
					}},
					{Name: "pro", Limits: map[string]int64{
						"orders":            5000,
						"approval-requests": 500,
					}},
					{Name: "enterprise", Limits: map[string]int64{
						"orders":            -1,
						"approval-requests": -1,
					}},
				},
			},
			{
				Name:        "payroll",
				DefaultTier: "free",
				Metrics: []MetricDefinition{
					{Name: "payslip-runs", Cadence: string(CadenceMonthly)},
					{Name: "employee-records", Cadence: string(CadenceNever)},
				},
				Tiers: []TierDefinition{
					{Name: "free", Limits: map[string]int64{
						"payslip-runs":     1,
						"employee-records": 10,
					}},
					{Name: "pro", Limits: map[string]int64{
						"payslip-runs":     10,
						"employee-records": 500,
					}},
					{Name: "enterprise", Limits: map[string]int64{
						"payslip-runs":     -1,
						"employee-records": -1,
					}},
				},
			},
		},
	}
}
