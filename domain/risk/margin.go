package risk

import "perpcore/domain/fixed"

var one = fixed.FromInt(1)

// initialMargin is notional / leverage.
func initialMargin(size, price, leverage fixed.Decimal) fixed.Decimal {
	return size.Mul(price).Div(leverage)
}

// pnl is size * (price - entry), sign-flipped for SHORT.
func pnl(side Side, size, entry, price fixed.Decimal) fixed.Decimal {
	return size.Mul(price.Sub(entry)).Mul(side.sign())
}

// liquidationPrice solves collateral + pnl(P) = mmr * size * P for P.
//
//	LONG:  P = (entry - collateral/size) / (1 - mmr)
//	SHORT: P = (entry + collateral/size) / (1 + mmr)
//
// Collateral is margin, which already carries settled funding. A LONG whose collateral covers
// the whole entry price can never be liquidated and reports zero.
func liquidationPrice(side Side, size, entry, collateral, mmr fixed.Decimal) fixed.Decimal {
	if !size.IsPositive() {
		return fixed.Zero
	}
	perUnit := collateral.Div(size)
	if side == Long {
		p := entry.Sub(perUnit).Div(one.Sub(mmr))
		return fixed.Max(p, fixed.Zero)
	}
	return entry.Add(perUnit).Div(one.Add(mmr))
}

// equity is margin plus unrealized PnL at mark.
func equity(p *Position, mark fixed.Decimal) fixed.Decimal {
	return p.Margin.Add(pnl(p.Side, p.Size, p.EntryPrice, mark))
}

// fundedMargin is the part of p's margin that funding settled on top of
// its initial margin.
func fundedMargin(p *Position) fixed.Decimal {
	return p.Margin.Sub(initialMargin(p.Size, p.EntryPrice, p.Leverage))
}

// maintenance is the equity floor at mark.
func maintenance(p *Position, mmr, mark fixed.Decimal) fixed.Decimal {
	return mmr.Mul(p.Size).Mul(mark)
}
