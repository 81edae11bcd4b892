package account

import (
	"github.com/shopspring/decimal"

	"github.com/exchange-core/matching-core/pkg/types"
)

// closeBucket selects which volume pool a closing order draws down:
// TodayFirst drains today volume before
// history, HistoryOnly and TodayOnly are hard-restricted to one pool.
type closeBucket int

const (
	bucketTodayFirst closeBucket = iota
	bucketHistoryOnly
	bucketTodayOnly
)

// closeTarget resolves a closing Towards code to the position side it draws
// down and the bucket policy that applies. A Buy-side close covers a short
// position (you buy back what you sold); a Sell-side close covers a long
// position (you sell what you bought). BuyCloseToday/SellCloseToday are the
// today-only mirror of BuyClose/SellClose, and SellCloseHistoryOnly is the
// one history-only variant.
func closeTarget(t types.Towards) (long bool, bucket closeBucket, ok bool) {
	switch t {
	case types.BuyClose:
		return false, bucketTodayFirst, true
	case types.BuyCloseToday:
		return false, bucketTodayOnly, true
	case types.SellClose:
		return true, bucketTodayFirst, true
	case types.SellCloseHistoryOnly:
		return true, bucketHistoryOnly, true
	case types.SellCloseToday:
		return true, bucketTodayOnly, true
	default:
		return false, 0, false
	}
}

// closeableVolume returns how much of the target bucket is free to close
// (not already reserved by a resting close order).
func closeableVolume(p *types.Position, long bool, bucket closeBucket) decimal.Decimal {
	today, history, frozenToday, frozenHistory := pools(p, long)
	switch bucket {
	case bucketHistoryOnly:
		return history.Sub(frozenHistory)
	case bucketTodayOnly:
		return today.Sub(frozenToday)
	default: // bucketTodayFirst
		return today.Sub(frozenToday).Add(history.Sub(frozenHistory))
	}
}

func pools(p *types.Position, long bool) (today, history, frozenToday, frozenHistory decimal.Decimal) {
	if long {
		return p.LongToday, p.LongHistory, p.FrozenLongToday, p.FrozenLongHistory
	}
	return p.ShortToday, p.ShortHistory, p.FrozenShortToday, p.FrozenShortHistory
}

// freezeClose reserves vol against the target bucket, draining today before
// history when bucket is bucketTodayFirst.
func freezeClose(p *types.Position, long bool, bucket closeBucket, vol decimal.Decimal) {
	switch bucket {
	case bucketHistoryOnly:
		setFrozen(p, long, false, frozenFor(p, long, false).Add(vol))
	case bucketTodayOnly:
		setFrozen(p, long, true, frozenFor(p, long, true).Add(vol))
	default:
		today, _, frozenToday, frozenHistory := pools(p, long)
		freeToday := today.Sub(frozenToday)
		fromToday := decimal.Min(freeToday, vol)
		fromHistory := vol.Sub(fromToday)
		setFrozen(p, long, true, frozenToday.Add(fromToday))
		setFrozen(p, long, false, frozenHistory.Add(fromHistory))
	}
}

// unfreezeClose releases a previously frozen close reservation (cancel or
// proportional unfreeze on fill), draining today-frozen first.
func unfreezeClose(p *types.Position, long bool, bucket closeBucket, vol decimal.Decimal) {
	switch bucket {
	case bucketHistoryOnly:
		setFrozen(p, long, false, frozenFor(p, long, false).Sub(vol))
	case bucketTodayOnly:
		setFrozen(p, long, true, frozenFor(p, long, true).Sub(vol))
	default:
		frozenToday := frozenFor(p, long, true)
		fromToday := decimal.Min(frozenToday, vol)
		fromHistory := vol.Sub(fromToday)
		setFrozen(p, long, true, frozenToday.Sub(fromToday))
		setFrozen(p, long, false, frozenFor(p, long, false).Sub(fromHistory))
	}
}

// applyClose removes vol from the live (non-frozen) bucket volumes in the
// same today-first order as freezeClose and returns the weighted open price
// the closed volume is priced against (for realized-PnL accounting).
func applyClose(p *types.Position, long bool, bucket closeBucket, vol decimal.Decimal) decimal.Decimal {
	openPrice := openPriceFor(p, long)
	switch bucket {
	case bucketHistoryOnly:
		setLive(p, long, false, liveFor(p, long, false).Sub(vol))
	case bucketTodayOnly:
		setLive(p, long, true, liveFor(p, long, true).Sub(vol))
	default:
		today := liveFor(p, long, true)
		fromToday := decimal.Min(today, vol)
		fromHistory := vol.Sub(fromToday)
		setLive(p, long, true, today.Sub(fromToday))
		setLive(p, long, false, liveFor(p, long, false).Sub(fromHistory))
	}
	return openPrice
}

func frozenFor(p *types.Position, long, today bool) decimal.Decimal {
	switch {
	case long && today:
		return p.FrozenLongToday
	case long && !today:
		return p.FrozenLongHistory
	case !long && today:
		return p.FrozenShortToday
	default:
		return p.FrozenShortHistory
	}
}

func setFrozen(p *types.Position, long, today bool, v decimal.Decimal) {
	switch {
	case long && today:
		p.FrozenLongToday = v
	case long && !today:
		p.FrozenLongHistory = v
	case !long && today:
		p.FrozenShortToday = v
	default:
		p.FrozenShortHistory = v
	}
}

func liveFor(p *types.Position, long, today bool) decimal.Decimal {
	switch {
	case long && today:
		return p.LongToday
	case long && !today:
		return p.LongHistory
	case !long && today:
		return p.ShortToday
	default:
		return p.ShortHistory
	}
}

func setLive(p *types.Position, long, today bool, v decimal.Decimal) {
	switch {
	case long && today:
		p.LongToday = v
	case long && !today:
		p.LongHistory = v
	case !long && today:
		p.ShortToday = v
	default:
		p.ShortHistory = v
	}
}

func openPriceFor(p *types.Position, long bool) decimal.Decimal {
	if long {
		return p.OpenPriceLong
	}
	return p.OpenPriceShort
}

// applyOpen adds vol at price to the today bucket of the opened side. The
// weighted average open price covers the whole live side (today plus
// history), so volume rolled to history at settlement keeps its weight.
func applyOpen(p *types.Position, long bool, price, vol decimal.Decimal) {
	today := liveFor(p, long, true)
	live := today.Add(liveFor(p, long, false))
	openPrice := openPriceFor(p, long)

	newLive := live.Add(vol)
	if newLive.IsZero() {
		return
	}
	weighted := openPrice.Mul(live).Add(price.Mul(vol)).Div(newLive)

	setLive(p, long, true, today.Add(vol))
	if long {
		p.OpenPriceLong = weighted
	} else {
		p.OpenPriceShort = weighted
	}
}

// realizedPnL computes (closePrice - openPrice) * vol * multiplier for a
// long close, sign-flipped for a short close.
func realizedPnL(long bool, openPrice, closePrice, vol, multiplier decimal.Decimal) decimal.Decimal {
	diff := closePrice.Sub(openPrice)
	if !long {
		diff = diff.Neg()
	}
	return diff.Mul(vol).Mul(multiplier)
}

// rollToHistory moves every today volume into the corresponding history
// bucket.
func rollToHistory(p *types.Position) {
	p.LongHistory = p.LongHistory.Add(p.LongToday)
	p.LongToday = decimal.Zero
	p.ShortHistory = p.ShortHistory.Add(p.ShortToday)
	p.ShortToday = decimal.Zero

	p.FrozenLongHistory = p.FrozenLongHistory.Add(p.FrozenLongToday)
	p.FrozenLongToday = decimal.Zero
	p.FrozenShortHistory = p.FrozenShortHistory.Add(p.FrozenShortToday)
	p.FrozenShortToday = decimal.Zero
}
