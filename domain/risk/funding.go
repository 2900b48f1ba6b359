package risk

import (
	"time"

	"github.com/sirupsen/logrus"

	"perpcore/events"
)

// FundingReport is what one funding pass settled.
type FundingReport struct {
	Rates     []FundingRate
	Positions []Position
	Events    []events.Event
}

func (r *FundingReport) merge(o FundingReport) {
	r.Rates = append(r.Rates, o.Rates...)
	r.Positions = append(r.Positions, o.Positions...)
	r.Events = append(r.Events, o.Events...)
}

// ProcessFunding settles every market whose funding boundary has passed.
//
// Funding boundaries are multiples of the market's interval since the Unix
// epoch. Funding settles into margin; FundingPayment keeps the running
// total. A boundary is settled at most once per market, and a position is
// charged for a boundary only if it was open at that instant and has not
// already been charged for it, so repeated or overlapping runs are no-ops.
func (e *Engine) ProcessFunding() FundingReport {
	var report FundingReport
	for _, sym := range e.Markets() {
		report.merge(e.ApplyFunding(ProcessFunding{Market: sym}))
	}
	return report
}

// ApplyFunding settles one market if it is due. Replay calls it directly.
func (e *Engine) ApplyFunding(cmd ProcessFunding) FundingReport {
	unlock := e.locks.Lock(cmd.Market)
	defer unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	ms, ok := e.markets[cmd.Market]
	if !ok {
		return FundingReport{}
	}

	now := e.stamper.Now()
	boundary := fundingBoundary(now, ms.FundingInterval)
	if !boundary.After(ms.lastFunds) {
		return FundingReport{}
	}
	if !ms.mark.IsPositive() || !ms.index.IsPositive() {
		e.log.WithField("market", ms.Symbol).Warn("funding skipped: mark or index price missing")
		return FundingReport{}
	}

	st := e.stamper.Stamp(cmd, now)

	premium := ms.mark.Sub(ms.index).Div(ms.index)
	rate := premium.Clamp(ms.MaxFundingRate.Neg(), ms.MaxFundingRate)

	var report FundingReport
	for _, p := range e.positionsIn(ms.Symbol) {
		if p.OpenedAt.After(boundary) || !p.LastFundingAt.Before(boundary) {
			continue
		}
		// LONG pays a positive rate, SHORT receives it.
		settled := rate.Mul(p.Size).Mul(ms.mark).Mul(p.Side.sign()).Neg()
		p.Margin = p.Margin.Add(settled)
		p.FundingPayment = p.FundingPayment.Add(settled)
		p.LastFundingAt = boundary
		p.UpdatedAt = st.At
		p.Version = st.Seq
		e.reprice(ms, p)
		report.Positions = append(report.Positions, e.view(p))
	}

	ms.lastFunds = boundary
	ms.funding = FundingRate{
		Market:           ms.Symbol,
		Rate:             rate,
		NextFundingAt:    boundary.Add(ms.FundingInterval),
		LastPremiumIndex: premium,
		AppliedAt:        boundary,
	}
	report.Rates = append(report.Rates, ms.funding)
	report.Events = append(report.Events, events.New(events.FundingProcessed, st.Seq, ms.Symbol, st.At, events.FundingSettlement{
		Market:        ms.Symbol,
		Rate:          rate.String(),
		PremiumIndex:  premium.String(),
		Positions:     len(report.Positions),
		NextFundingAt: ms.funding.NextFundingAt,
	}))

	e.log.WithFields(logrus.Fields{
		"seq":       st.Seq,
		"market":    ms.Symbol,
		"rate":      rate.String(),
		"positions": len(report.Positions),
		"boundary":  boundary.Format(time.RFC3339),
	}).Info("funding processed")

	return report
}

var unixEpoch = time.Unix(0, 0).UTC()

// fundingBoundary is the latest multiple of iv since the Unix epoch at or
// before now.
func fundingBoundary(now time.Time, iv time.Duration) time.Time {
	return unixEpoch.Add(now.Sub(unixEpoch) / iv * iv)
}
