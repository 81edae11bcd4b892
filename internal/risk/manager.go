// Package risk watches per-account margin usage and flags
// forced-liquidation candidates.
//
// The monitor runs as a standalone goroutine that receives AccountReports
// (fed from the notification bus after every account mutation) and checks
// each account's risk ratio — occupied_margin / balance — against the
// configured force-liquidation threshold. An account at or above the
// threshold is emitted as a LiquidationCandidate on CandidateCh(); the
// settlement sweep closes it out at the next settlement run, and operators
// see a structured alarm immediately.
//
// After flagging an account the monitor stays quiet about it for the
// configured cooldown, so a burst of fills on an already-flagged account
// does not flood the channel.
package risk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exchange-core/matching-core/internal/clock"
	"github.com/exchange-core/matching-core/pkg/types"
)

// AccountReport is one account's margin state after a mutation. Reports are
// fed from the notification bus, so the monitor sees the same serialized
// stream of account updates every other subscriber sees.
type AccountReport struct {
	Account        types.AccountID
	Balance        decimal.Decimal
	OccupiedMargin decimal.Decimal
	FrozenMargin   decimal.Decimal
	Timestamp      time.Time
}

// RiskRatio returns occupied_margin / balance, or zero when the balance is
// not positive (the monitor flags a non-positive balance whenever occupied
// margin is positive).
func (r AccountReport) RiskRatio() decimal.Decimal {
	if r.Balance.Sign() <= 0 {
		return decimal.Zero
	}
	return r.OccupiedMargin.Div(r.Balance)
}

// LiquidationCandidate tells the settlement path that an account has
// breached the force-liquidation threshold.
type LiquidationCandidate struct {
	Account   types.AccountID
	RiskRatio decimal.Decimal
	Reason    string
}

// Monitor aggregates account reports, checks the force-liquidation
// threshold, and emits candidates when it is breached.
type Monitor struct {
	threshold decimal.Decimal
	cooldown  time.Duration
	clock     clock.Clock
	logger    *slog.Logger

	mu           sync.RWMutex
	latest       map[types.AccountID]AccountReport
	flaggedUntil map[types.AccountID]time.Time

	reportCh    chan AccountReport
	candidateCh chan LiquidationCandidate
}

// NewMonitor creates a risk monitor. threshold is the required
// force-liquidation risk ratio; cooldown suppresses repeat candidates for
// the same account.
func NewMonitor(threshold decimal.Decimal, cooldown time.Duration, clk clock.Clock, logger *slog.Logger) *Monitor {
	return &Monitor{
		threshold:    threshold,
		cooldown:     cooldown,
		clock:        clk,
		logger:       logger.With("component", "risk"),
		latest:       make(map[types.AccountID]AccountReport),
		flaggedUntil: make(map[types.AccountID]time.Time),
		reportCh:     make(chan AccountReport, 100),
		candidateCh:  make(chan LiquidationCandidate, 10),
	}
}

// Run starts the monitoring loop.
func (m *Monitor) Run(ctx context.Context) {
	// Periodic sweep expires stale cooldown entries even when no reports
	// arrive for an account.
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case report := <-m.reportCh:
			m.processReport(report)
		case <-ticker.C:
			m.expireCooldowns()
		}
	}
}

// Report submits an account report (non-blocking).
func (m *Monitor) Report(report AccountReport) {
	select {
	case m.reportCh <- report:
	default:
		m.logger.Warn("risk report channel full, dropping report",
			"account", report.Account)
	}
}

// CandidateCh returns the channel liquidation candidates are emitted on.
func (m *Monitor) CandidateCh() <-chan LiquidationCandidate {
	return m.candidateCh
}

// RemoveAccount cleans up state for a closed account.
func (m *Monitor) RemoveAccount(account types.AccountID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.latest, account)
	delete(m.flaggedUntil, account)
}

// Candidates returns every account currently at or above the threshold,
// regardless of cooldown, as a pull-side list; CandidateCh is the push side
// for operator alarms. The settlement sweep does not use it: it computes
// each account's risk ratio itself.
func (m *Monitor) Candidates() []LiquidationCandidate {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []LiquidationCandidate
	for id, report := range m.latest {
		if breached, ratio := m.breach(report); breached {
			out = append(out, LiquidationCandidate{Account: id, RiskRatio: ratio, Reason: breachReason(report)})
		}
	}
	return out
}

func (m *Monitor) processReport(report AccountReport) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.latest[report.Account] = report

	breached, ratio := m.breach(report)
	if !breached {
		delete(m.flaggedUntil, report.Account)
		return
	}

	now := m.clock.Now()
	if until, ok := m.flaggedUntil[report.Account]; ok && now.Before(until) {
		return
	}
	m.flaggedUntil[report.Account] = now.Add(m.cooldown)

	cand := LiquidationCandidate{
		Account:   report.Account,
		RiskRatio: ratio,
		Reason:    breachReason(report),
	}
	m.logger.Warn("forced-liquidation candidate",
		"account", cand.Account,
		"risk_ratio", cand.RiskRatio.String(),
		"balance", report.Balance.String(),
		"occupied_margin", report.OccupiedMargin.String(),
		"reason", cand.Reason)

	select {
	case m.candidateCh <- cand:
	default:
		m.logger.Warn("liquidation candidate channel full, dropping",
			"account", cand.Account)
	}
}

// breach reports whether the account is a forced-liquidation candidate and
// at what ratio. A non-positive balance with margin still occupied breaches
// unconditionally.
func (m *Monitor) breach(report AccountReport) (bool, decimal.Decimal) {
	if report.Balance.Sign() <= 0 {
		return report.OccupiedMargin.Sign() > 0, decimal.Zero
	}
	ratio := report.RiskRatio()
	return ratio.GreaterThanOrEqual(m.threshold), ratio
}

func breachReason(report AccountReport) string {
	if report.Balance.Sign() <= 0 {
		return "non-positive balance with occupied margin"
	}
	return "risk ratio at or above force-liquidation threshold"
}

func (m *Monitor) expireCooldowns() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for id, until := range m.flaggedUntil {
		if now.After(until) {
			delete(m.flaggedUntil, id)
		}
	}
}
