package risk

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"perpcore/domain/command"
	"perpcore/domain/fixed"
	"perpcore/events"
	"perpcore/staticerr"
)

// Liquidator is recorded on automatic liquidations.
const Liquidator = "SYSTEM"

// LiquidationReport is what one sweep did. Failures are isolated per
// position and never stop the sweep.
type LiquidationReport struct {
	Liquidated []Position
	Failures   []error
	Events     []events.Event
}

func (r *LiquidationReport) merge(o LiquidationReport) {
	r.Liquidated = append(r.Liquidated, o.Liquidated...)
	r.Failures = append(r.Failures, o.Failures...)
	r.Events = append(r.Events, o.Events...)
}

// CheckLiquidations sweeps every market and liquidates open positions whose
// equity (margin + unrealized PnL + funding) is at or below the maintenance
// requirement at mark. One LiquidationBatch event summarizes the sweep when
// anything was liquidated.
func (e *Engine) CheckLiquidations() LiquidationReport {
	var report LiquidationReport
	for _, sym := range e.Markets() {
		report.merge(e.ApplyLiquidations(CheckLiquidations{Market: sym}))
	}
	if len(report.Liquidated) == 0 {
		return report
	}

	batch := events.Batch{Count: len(report.Liquidated)}
	seen := map[string]bool{}
	var last events.Event
	for _, ev := range report.Events {
		if ev.Type != events.PositionLiquidated {
			continue
		}
		l := ev.Payload.(events.Liquidation)
		batch.Liquidations = append(batch.Liquidations, l)
		if !seen[l.Market] {
			seen[l.Market] = true
			batch.Markets = append(batch.Markets, l.Market)
		}
		last = ev
	}
	report.Events = append(report.Events, events.New(events.LiquidationBatch, last.Seq, "", last.At, batch))
	return report
}

// ApplyLiquidations liquidates one market's eligible positions. Replay calls
// it directly.
func (e *Engine) ApplyLiquidations(cmd CheckLiquidations) LiquidationReport {
	unlock := e.locks.Lock(cmd.Market)
	defer unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	var report LiquidationReport
	ms, ok := e.markets[cmd.Market]
	if !ok || !ms.mark.IsPositive() {
		return report
	}

	var eligible []*Position
	for _, p := range e.positionsIn(ms.Symbol) {
		if equity(p, ms.mark).LessThanOrEqual(maintenance(p, ms.MaintenanceMarginRatio, ms.mark)) {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) == 0 {
		return report
	}

	st := e.stamper.Stamp(cmd, e.stamper.Now())
	for _, p := range eligible {
		l, err := e.liquidate(ms, p, st)
		if err != nil {
			err = staticerr.Mark(errors.Wrapf(err, "liquidate %s", p.ID), staticerr.ErrLiquidation)
			e.log.WithError(err).WithField("position", p.ID).Error("liquidation failed")
			report.Failures = append(report.Failures, err)
			continue
		}
		report.Liquidated = append(report.Liquidated, e.view(p))
		report.Events = append(report.Events, events.New(events.PositionLiquidated, st.Seq, ms.Symbol, st.At, l))
	}
	return report
}

// liquidate closes p at mark. The fee is capped by what equity remains;
// the fee and whatever equity is left over both go to the insurance fund,
// which also absorbs negative equity.
func (e *Engine) liquidate(ms *marketState, p *Position, st command.Stamp) (l events.Liquidation, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if p.Status != PositionOpen || !p.Size.IsPositive() {
		return l, errors.Newf("position %s is %s", p.ID, p.Status)
	}

	mark := ms.mark
	eq := equity(p, mark)
	notional := p.Size.Mul(mark)
	fee := fixed.Min(fixed.Max(eq, fixed.Zero), ms.LiquidationFeeRate.Mul(notional))
	toFund := eq.Sub(fee)

	l = events.Liquidation{
		PositionID: p.ID,
		Trader:     p.Trader,
		Market:     p.Market,
		Side:       p.Side.String(),
		Size:       p.Size.String(),
		Price:      mark.String(),
		Fee:        fee.String(),
		ToFund:     toFund.String(),
		Liquidator: Liquidator,
	}

	ms.insurance = ms.insurance.Add(eq)
	p.RealizedPnl = p.RealizedPnl.Add(pnl(p.Side, p.Size, p.EntryPrice, mark))
	p.Fees = p.Fees.Add(fee)
	p.Size = fixed.Zero
	p.Margin = fixed.Zero
	p.LiquidationPrice = fixed.Zero
	p.Status = PositionLiquidated
	p.UpdatedAt = st.At
	p.Version = st.Seq
	delete(e.open, openKey{p.Trader, p.Market})

	e.log.WithFields(logrus.Fields{
		"seq":      st.Seq,
		"position": p.ID,
		"trader":   p.Trader,
		"market":   p.Market,
		"equity":   eq.String(),
		"fee":      fee.String(),
	}).Warn("position liquidated")

	return l, nil
}
