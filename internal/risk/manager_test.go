package risk

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/exchange-core/matching-core/internal/clock"
	"github.com/exchange-core/matching-core/pkg/types"
)

func newTestMonitor(clk clock.Clock) *Monitor {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewMonitor(decimal.NewFromFloat(1.0), 5*time.Minute, clk, logger)
}

func report(account string, balance, occupied float64) AccountReport {
	return AccountReport{
		Account:        types.AccountID(account),
		Balance:        decimal.NewFromFloat(balance),
		OccupiedMargin: decimal.NewFromFloat(occupied),
	}
}

func TestProcessReportUnderThreshold(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(clock.NewFake(time.Unix(0, 0)))

	m.processReport(report("acct-1", 1_000_000, 200_000))

	select {
	case cand := <-m.candidateCh:
		t.Errorf("unexpected liquidation candidate: %+v", cand)
	default:
	}
	if got := m.Candidates(); len(got) != 0 {
		t.Errorf("Candidates() = %v, want none", got)
	}
}

func TestProcessReportAtThreshold(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(clock.NewFake(time.Unix(0, 0)))

	m.processReport(report("acct-1", 100_000, 100_000))

	select {
	case cand := <-m.candidateCh:
		if cand.Account != "acct-1" {
			t.Errorf("candidate account = %q, want acct-1", cand.Account)
		}
		if !cand.RiskRatio.Equal(decimal.NewFromInt(1)) {
			t.Errorf("candidate risk ratio = %s, want 1", cand.RiskRatio)
		}
	default:
		t.Error("expected liquidation candidate on channel")
	}
}

func TestCooldownSuppressesRepeatCandidates(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Unix(0, 0))
	m := newTestMonitor(clk)

	m.processReport(report("acct-1", 100_000, 150_000))
	<-m.candidateCh

	m.processReport(report("acct-1", 100_000, 160_000))
	select {
	case cand := <-m.candidateCh:
		t.Errorf("candidate during cooldown: %+v", cand)
	default:
	}

	clk.Advance(6 * time.Minute)
	m.processReport(report("acct-1", 100_000, 160_000))
	select {
	case <-m.candidateCh:
	default:
		t.Error("expected candidate after cooldown expired")
	}
}

func TestRecoveryClearsFlag(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Unix(0, 0))
	m := newTestMonitor(clk)

	m.processReport(report("acct-1", 100_000, 150_000))
	<-m.candidateCh

	// Dropping back under the threshold clears the cooldown entry, so the
	// next breach alarms immediately.
	m.processReport(report("acct-1", 100_000, 50_000))
	m.processReport(report("acct-1", 100_000, 150_000))
	select {
	case <-m.candidateCh:
	default:
		t.Error("expected candidate after recovery and re-breach")
	}
}

func TestNonPositiveBalanceBreachesUnconditionally(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(clock.NewFake(time.Unix(0, 0)))

	m.processReport(report("acct-1", -5_000, 20_000))

	select {
	case cand := <-m.candidateCh:
		if cand.Reason != "non-positive balance with occupied margin" {
			t.Errorf("reason = %q", cand.Reason)
		}
	default:
		t.Error("expected candidate for negative balance")
	}
}

func TestCandidatesSnapshot(t *testing.T) {
	t.Parallel()
	m := newTestMonitor(clock.NewFake(time.Unix(0, 0)))

	m.processReport(report("acct-1", 100_000, 150_000))
	m.processReport(report("acct-2", 100_000, 10_000))

	got := m.Candidates()
	if len(got) != 1 || got[0].Account != "acct-1" {
		t.Errorf("Candidates() = %+v, want exactly acct-1", got)
	}

	m.RemoveAccount("acct-1")
	if got := m.Candidates(); len(got) != 0 {
		t.Errorf("Candidates() after RemoveAccount = %+v, want none", got)
	}
}
