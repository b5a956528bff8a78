package budget

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeLedger struct {
	spend   float64
	since   time.Time
	entries []float64
	err     error
}

func (f *fakeLedger) ProviderSpend(provider string, since time.Time) (float64, error) {
	f.since = since
	return f.spend, f.err
}

func (f *fakeLedger) AppendLedger(provider string, costUSD float64) error {
	f.entries = append(f.entries, costUSD)
	return nil
}

type fakeLimits map[string]float64

func (f fakeLimits) Limit(provider string) (float64, bool) {
	l, ok := f[provider]
	return l, ok
}

func newTestGuard(ledger Ledger, limits Limits) *Guard {
	return NewGuard(ledger, limits, zerolog.Nop())
}

func TestGuard_NoLimitAlwaysAllows(t *testing.T) {
	g := newTestGuard(&fakeLedger{spend: 99999}, fakeLimits{})

	dec, err := g.Check("anthropic")
	if err != nil {
		t.Fatal(err)
	}
	if !dec.Allowed {
		t.Error("Allowed = false, want true")
	}
	if dec.Reason != ReasonNoLimit {
		t.Errorf("Reason = %q, want %q", dec.Reason, ReasonNoLimit)
	}
}

func TestGuard_Boundary(t *testing.T) {
	tests := []struct {
		name    string
		spend   float64
		allowed bool
	}{
		{"just under", 99.99, true},
		{"exactly at limit", 100.00, false},
		{"over limit", 100.01, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGuard(&fakeLedger{spend: tt.spend}, fakeLimits{"anthropic": 100})
			dec, err := g.Check("anthropic")
			if err != nil {
				t.Fatal(err)
			}
			if dec.Allowed != tt.allowed {
				t.Errorf("Allowed = %v, want %v", dec.Allowed, tt.allowed)
			}
			if !tt.allowed {
				if dec.Reason != ReasonLimitExceeded {
					t.Errorf("Reason = %q, want %q", dec.Reason, ReasonLimitExceeded)
				}
				if dec.LimitUSD != 100 {
					t.Errorf("LimitUSD = %v, want 100", dec.LimitUSD)
				}
				if dec.SpendUSD != tt.spend {
					t.Errorf("SpendUSD = %v, want %v", dec.SpendUSD, tt.spend)
				}
			}
		})
	}
}

func TestGuard_SpendWindowIsCurrentMonth(t *testing.T) {
	ledger := &fakeLedger{}
	g := newTestGuard(ledger, fakeLimits{"anthropic": 100})
	g.now = func() time.Time {
		return time.Date(2026, time.March, 17, 14, 30, 0, 0, time.UTC)
	}

	if _, err := g.Check("anthropic"); err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)
	if !ledger.since.Equal(want) {
		t.Errorf("since = %v, want %v", ledger.since, want)
	}
}

func TestGuard_SpendWindowNormalizedToUTC(t *testing.T) {
	ledger := &fakeLedger{}
	g := newTestGuard(ledger, fakeLimits{"anthropic": 100})
	tokyo := time.FixedZone("UTC+9", 9*60*60)
	g.now = func() time.Time {
		return time.Date(2026, time.March, 1, 3, 0, 0, 0, tokyo)
	}

	if _, err := g.Check("anthropic"); err != nil {
		t.Fatal(err)
	}
	// Ledger timestamps are UTC, so the window bound must be too.
	if loc := ledger.since.Location(); loc != time.UTC {
		t.Errorf("since location = %v, want UTC", loc)
	}
	want := time.Date(2026, time.February, 28, 15, 0, 0, 0, time.UTC)
	if !ledger.since.Equal(want) {
		t.Errorf("since = %v, want %v", ledger.since, want)
	}
}

func TestGuard_LedgerErrorPropagates(t *testing.T) {
	g := newTestGuard(&fakeLedger{err: errors.New("db locked")}, fakeLimits{"anthropic": 100})

	if _, err := g.Check("anthropic"); err == nil {
		t.Error("Check() error = nil, want error")
	}
}

func TestGuard_RecordSkipsNonPositiveCost(t *testing.T) {
	ledger := &fakeLedger{}
	g := newTestGuard(ledger, fakeLimits{})

	if err := g.Record("anthropic", 0); err != nil {
		t.Fatal(err)
	}
	if err := g.Record("anthropic", -1); err != nil {
		t.Fatal(err)
	}
	if err := g.Record("anthropic", 0.42); err != nil {
		t.Fatal(err)
	}

	if len(ledger.entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(ledger.entries))
	}
	if ledger.entries[0] != 0.42 {
		t.Errorf("entry = %v, want 0.42", ledger.entries[0])
	}
}
