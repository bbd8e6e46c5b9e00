package subscription

// Unlimited marks a plan with no monthly unit cap.
const Unlimited int64 = -1

// Plan describes a purchasable tier.
type Plan struct {
	Name string
	// MonthlyLimit is the number of entitled units per calendar month.
	MonthlyLimit int64
	// Sites is how many sites may attach under this plan. Zero means no cap.
	Sites int
}

// plans is the catalogue. Plan names match the price metadata configured
// in the payment provider dashboard.
var plans = map[string]Plan{
	"starter": {Name: "starter", MonthlyLimit: 1_000, Sites: 1},
	"growth":  {Name: "growth", MonthlyLimit: 5_000, Sites: 5},
	"agency":  {Name: "agency", MonthlyLimit: Unlimited, Sites: 0},
}

// LimitFor returns the monthly unit limit for a plan name. Unknown plans
// get zero: an unrecognized plan must never grant quota.
func LimitFor(plan string) int64 {
	p, ok := plans[plan]
	if !ok {
		return 0
	}
	return p.MonthlyLimit
}

// PlanFor returns the catalogue entry for a plan name.
func PlanFor(name string) (Plan, bool) {
	p, ok := plans[name]
	return p, ok
}

// IsUnlimited reports whether the limit value means no cap.
func IsUnlimited(limit int64) bool {
	return limit == Unlimited
}
