package budget

import (
	"time"

	"github.com/rs/zerolog"
)

// Reason codes surfaced to callers on budget decisions
const (
	ReasonNoLimit       = "no_limit"
	ReasonUnderLimit    = "under_limit"
	ReasonLimitExceeded = "BUDGET_LIMIT_EXCEEDED"
)

// Ledger reads and appends provider spend records
type Ledger interface {
	ProviderSpend(provider string, since time.Time) (float64, error)
	AppendLedger(provider string, costUSD float64) error
}

// Limits resolves the configured monthly limit for a provider.
// The second return is false when no limit is configured.
type Limits interface {
	Limit(provider string) (float64, bool)
}

// Decision is the outcome of a budget check
type Decision struct {
	Allowed  bool
	Reason   string
	LimitUSD float64
	SpendUSD float64
}

// Guard is the spend-vs-limit admission check applied per AI
// provider. Checks are never cached; concurrent admissions may both
// pass before either's spend lands, so this is a soft gate.
type Guard struct {
	ledger Ledger
	limits Limits
	log    zerolog.Logger
	now    func() time.Time
}

// NewGuard creates a budget guard over the given ledger and limits
func NewGuard(ledger Ledger, limits Limits, log zerolog.Logger) *Guard {
	return &Guard{
		ledger: ledger,
		limits: limits,
		log:    log.With().Str("component", "budget").Logger(),
		now:    time.Now,
	}
}

// Check computes the provider's spend for the current calendar month
// and compares it to the configured limit. Equality blocks.
func (g *Guard) Check(provider string) (Decision, error) {
	limit, ok := g.limits.Limit(provider)
	if !ok {
		return Decision{Allowed: true, Reason: ReasonNoLimit}, nil
	}

	// Ledger rows are stamped in UTC; normalize the window bound so
	// the stored-text comparison stays correct on non-UTC hosts.
	spend, err := g.ledger.ProviderSpend(provider, monthStart(g.now()).UTC())
	if err != nil {
		return Decision{}, err
	}

	if spend >= limit {
		g.log.Warn().Str("provider", provider).
			Float64("limit_usd", limit).Float64("spend_usd", spend).
			Msg("budget limit reached")
		return Decision{Reason: ReasonLimitExceeded, LimitUSD: limit, SpendUSD: spend}, nil
	}

	return Decision{Allowed: true, Reason: ReasonUnderLimit, LimitUSD: limit, SpendUSD: spend}, nil
}

// Record appends a spend entry for a provider
func (g *Guard) Record(provider string, costUSD float64) error {
	if costUSD <= 0 {
		return nil
	}
	return g.ledger.AppendLedger(provider, costUSD)
}

// monthStart returns the first instant of t's calendar month in t's
// location
func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}
