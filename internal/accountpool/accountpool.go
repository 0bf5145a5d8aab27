// Package accountpool manages the shared pool of third-party platform
// accounts workers lease for the lifetime of a generate/poll task:
// eligibility filtering, LRU-with-randomized-top-3 selection, leasing,
// device-id synthesis, and credit/session refresh.
package accountpool

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"videopipe/internal/account"
	apperr "videopipe/internal/errors"
	"videopipe/internal/interfaces"
	"videopipe/internal/logger"
)

// Pool leases accounts to workers and persists every state change. mu
// guards the acquire-and-select critical section so two concurrent
// generators can never pick and lease the same account (§5: "Acquire +
// selection is one critical section").
type Pool struct {
	repo   interfaces.AccountRepository
	remote interfaces.Remote

	mu sync.Mutex
}

// New wraps a repository and remote client.
func New(repo interfaces.AccountRepository, remote interfaces.Remote) *Pool {
	return &Pool{repo: repo, remote: remote}
}

// Acquire selects and leases one eligible account for platform, excluding
// excludeIDs (accounts already tried and rejected for this job). Selection
// is least-recently-used with a randomized pick among the top 3 LRU
// candidates, so a fleet of workers does not pile onto a single account
// the instant it becomes eligible.
func (p *Pool) Acquire(ctx context.Context, platform string, excludeIDs []int64) (*account.Account, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	candidates, err := p.repo.ListEligible(ctx, platform, excludeIDs)
	if err != nil {
		return nil, apperr.Wrap("accountpool.Acquire", err)
	}
	if len(candidates) == 0 {
		return nil, apperr.New("accountpool.Acquire", apperr.ErrNoAccountAvailable)
	}

	top := candidates
	if len(top) > 3 {
		top = top[:3]
	}
	chosen := top[rand.Intn(len(top))]

	if !chosen.HasDeviceID() {
		chosen.Session.DeviceID = uuid.NewString()
	}
	chosen.Leased = true
	chosen.LastUsed = time.Now().UTC()

	if err := p.repo.Update(ctx, chosen); err != nil {
		return nil, apperr.Wrap("accountpool.Acquire", err)
	}

	return chosen, nil
}

// Release clears an account's lease without altering its status, used on
// every error path so a retry can select a fresh account.
func (p *Pool) Release(ctx context.Context, accountID int64) error {
	a, err := p.repo.GetByID(ctx, accountID)
	if err != nil {
		return apperr.Wrap("accountpool.Release", err)
	}
	a.Leased = false
	return apperr.Wrap("accountpool.Release", p.repo.Update(ctx, a))
}

// ForceReset releases every leased account, used at supervisor startup
// and by the administrative reset operation.
func (p *Pool) ForceReset(ctx context.Context) error {
	return apperr.Wrap("accountpool.ForceReset", p.repo.ForceReleaseAll(ctx))
}

// RefreshCredits queries the remote API for an account's current credit
// balance and persists it.
func (p *Pool) RefreshCredits(ctx context.Context, accountID int64) (int, error) {
	a, err := p.repo.GetByID(ctx, accountID)
	if err != nil {
		return 0, apperr.Wrap("accountpool.RefreshCredits", err)
	}

	credits, err := p.remote.GetCredits(ctx, a.Session)
	if err != nil {
		logger.Log.Warn().Int64("account_id", accountID).Err(err).Msg("credits refresh failed")
		return 0, apperr.Wrap("accountpool.RefreshCredits", err)
	}

	a.CreditsRemaining = credits
	a.CreditsLastChecked = time.Now().UTC()
	if err := p.repo.Update(ctx, a); err != nil {
		return 0, apperr.Wrap("accountpool.RefreshCredits", err)
	}
	return credits, nil
}

// MarkPhoneRequired moves an account out of rotation until manually
// re-verified.
func (p *Pool) MarkPhoneRequired(ctx context.Context, accountID int64) error {
	return p.setStatus(ctx, accountID, account.StatusPhoneRequired)
}

// MarkCooldown temporarily removes an account from rotation after a
// no-credits/quota response, zeroing its known balance so it is not
// reselected until credits are refreshed.
func (p *Pool) MarkCooldown(ctx context.Context, accountID int64) error {
	a, err := p.repo.GetByID(ctx, accountID)
	if err != nil {
		return apperr.Wrap("accountpool.MarkCooldown", err)
	}
	a.Status = account.StatusCooldown
	a.Leased = false
	a.CreditsRemaining = 0
	return apperr.Wrap("accountpool.MarkCooldown", p.repo.Update(ctx, a))
}

// MarkExpired permanently removes an account from rotation, e.g. after
// an unrecoverable unauthorized response.
func (p *Pool) MarkExpired(ctx context.Context, accountID int64) error {
	return p.setStatus(ctx, accountID, account.StatusExpired)
}

func (p *Pool) setStatus(ctx context.Context, accountID int64, status account.Status) error {
	a, err := p.repo.GetByID(ctx, accountID)
	if err != nil {
		return apperr.Wrap("accountpool.setStatus", err)
	}
	a.Status = status
	a.Leased = false
	return apperr.Wrap("accountpool.setStatus", p.repo.Update(ctx, a))
}
