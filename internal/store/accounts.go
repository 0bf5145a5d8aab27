package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/uptrace/bun"

	"videopipe/internal/account"
	apperr "videopipe/internal/errors"
	"videopipe/internal/interfaces"
)

// AccountStore is the bun-backed repository for pool accounts. It
// implements interfaces.AccountRepository.
type AccountStore struct {
	db *bun.DB
}

var _ interfaces.AccountRepository = (*AccountStore)(nil)

// NewAccountStore wraps an open bun connection.
func NewAccountStore(db *DB) *AccountStore {
	return &AccountStore{db: db.bun}
}

// Create inserts a new account and populates its generated ID.
func (s *AccountStore) Create(ctx context.Context, a *account.Account) error {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	m := fromAccount(a)
	if _, err := s.db.NewInsert().Model(m).Exec(ctx); err != nil {
		return apperr.Wrap("store.Create", err)
	}
	a.ID = m.ID
	return nil
}

// GetByID fetches a single account, returning ErrNotFound if absent.
func (s *AccountStore) GetByID(ctx context.Context, id int64) (*account.Account, error) {
	m := new(accountModel)
	err := s.db.NewSelect().Model(m).Where("id = ?", id).Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, apperr.New("store.GetByID", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, apperr.Wrap("store.GetByID", err)
	}
	return m.toAccount(), nil
}

// Update persists every mutable field of a, including session and
// credit bookkeeping.
func (s *AccountStore) Update(ctx context.Context, a *account.Account) error {
	a.UpdatedAt = time.Now().UTC()
	m := fromAccount(a)

	res, err := s.db.NewUpdate().Model(m).WherePK().Exec(ctx)
	if err != nil {
		return apperr.Wrap("store.Update", err)
	}
	return checkAffected(res, "store.Update")
}

// ListEligible returns live, credited, unleased accounts for a platform,
// excluding the given IDs, ordered oldest-used-first so the caller can
// apply the LRU-with-randomized-top-N selection policy.
func (s *AccountStore) ListEligible(ctx context.Context, platform string, excludeIDs []int64) ([]*account.Account, error) {
	var rows []accountModel
	q := s.db.NewSelect().Model(&rows).
		Where("platform = ?", platform).
		Where("status = ?", string(account.StatusLive)).
		Where("credits_remaining > 0").
		Where("leased = ?", false).
		OrderExpr("last_used ASC")

	if len(excludeIDs) > 0 {
		q = q.Where("id NOT IN (?)", bun.In(excludeIDs))
	}

	if err := q.Scan(ctx); err != nil {
		return nil, apperr.Wrap("store.ListEligible", err)
	}

	out := make([]*account.Account, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toAccount())
	}
	return out, nil
}

// ListAll returns every account regardless of status or platform, for
// administrative reporting.
func (s *AccountStore) ListAll(ctx context.Context) ([]*account.Account, error) {
	var rows []accountModel
	if err := s.db.NewSelect().Model(&rows).OrderExpr("id ASC").Scan(ctx); err != nil {
		return nil, apperr.Wrap("store.ListAll", err)
	}
	out := make([]*account.Account, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toAccount())
	}
	return out, nil
}

// ForceReleaseAll clears the leased flag on every account, used by the
// administrative reset operation and at supervisor startup.
func (s *AccountStore) ForceReleaseAll(ctx context.Context) error {
	_, err := s.db.NewUpdate().Model((*accountModel)(nil)).
		Set("leased = ?", false).
		Set("updated_at = ?", time.Now().UTC()).
		Where("leased = ?", true).
		Exec(ctx)
	if err != nil {
		return apperr.Wrap("store.ForceReleaseAll", err)
	}
	return nil
}
