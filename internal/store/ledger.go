package store

import (
	"time"

	"github.com/taskfactory/taskfactory/internal/domain"
)

// AppendLedger records a spend entry for a provider
func (s *Store) AppendLedger(provider string, costUSD float64) error {
	_, err := s.db.Exec(`
		INSERT INTO budget_ledger (provider, cost_usd, created_at)
		VALUES (?, ?, ?)
	`, provider, costUSD, time.Now().UTC())
	return err
}

// ProviderSpend sums ledger entries for a provider since the given
// instant
func (s *Store) ProviderSpend(provider string, since time.Time) (float64, error) {
	var spend float64
	err := s.db.QueryRow(`
		SELECT COALESCE(SUM(cost_usd), 0) FROM budget_ledger
		WHERE provider = ? AND created_at >= ?
	`, provider, since).Scan(&spend)
	return spend, err
}

// ListLedger returns recent ledger entries for a provider, newest
// first
func (s *Store) ListLedger(provider string, limit int) ([]*domain.LedgerEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, provider, cost_usd, created_at FROM budget_ledger
		WHERE provider = ? ORDER BY id DESC LIMIT ?
	`, provider, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.Provider, &e.CostUSD, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
