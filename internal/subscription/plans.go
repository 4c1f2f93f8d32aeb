package subscription

// DefaultPlans is the catalog seeded into an empty store.
// Prices are in cents.
func DefaultPlans() []Plan {
	return []Plan{
		{
			Name:     "Free Trial",
			Price:    0,
			Currency: "usd",
			Duration: Monthly,
			Features: []string{"properties", "tenants", "email_support"},
			Limits:   Limits{MaxProperties: 5, MaxTenants: 20, MaxAgents: 1},
			Public:   true,
		},
		{
			Name:     "Basic",
			Price:    2900,
			Currency: "usd",
			Duration: Monthly,
			Features: []string{"properties", "tenants", "billing", "reports", "priority_support"},
			Limits:   Limits{MaxProperties: 20, MaxTenants: 100, MaxAgents: 3},
			Public:   true,
		},
		{
			Name:     "Professional",
			Price:    7900,
			Currency: "usd",
			Duration: Monthly,
			Features: []string{"properties", "tenants", "billing", "reports", "custom_reports", "api_access"},
			Limits:   Limits{MaxProperties: 100, MaxTenants: 1000, MaxAgents: 10},
			Public:   true,
		},
		{
			Name:     "Enterprise",
			Price:    199000,
			Currency: "usd",
			Duration: Yearly,
			Features: []string{"properties", "tenants", "billing", "reports", "custom_reports", "api_access", "white-label"},
			Limits:   Limits{MaxProperties: Unlimited, MaxTenants: Unlimited, MaxAgents: Unlimited},
			Public:   true,
		},
	}
}
