package simulator

import (
	"github.com/shopspring/decimal"
)

// Portfolio manages a simulated single-instrument account. Quantity is
// signed: positive is long, negative is short.
type Portfolio struct {
	cash        decimal.Decimal
	initialCash decimal.Decimal
	commission  decimal.Decimal
	quantity    decimal.Decimal
	entryPrice  decimal.Decimal
	entryFee    decimal.Decimal
	lastPrice   decimal.Decimal
	tradePnL    []decimal.Decimal
}

// NewPortfolio creates a new portfolio. commission is a fraction of notional.
func NewPortfolio(initialCash, commission decimal.Decimal) *Portfolio {
	return &Portfolio{
		cash:        initialCash,
		initialCash: initialCash,
		commission:  commission,
	}
}

// Cash returns available cash
func (p *Portfolio) Cash() decimal.Decimal { return p.cash }

// Position returns the signed position size
func (p *Portfolio) Position() decimal.Decimal { return p.quantity }

// Side returns 1 for long, -1 for short and 0 when flat
func (p *Portfolio) Side() int { return p.quantity.Sign() }

// EntryPrice returns the price of the open position
func (p *Portfolio) EntryPrice() decimal.Decimal { return p.entryPrice }

// Mark updates the last price and returns equity
func (p *Portfolio) Mark(price decimal.Decimal) decimal.Decimal {
	p.lastPrice = price
	return p.Equity()
}

// Equity returns cash plus the marked value of the position
func (p *Portfolio) Equity() decimal.Decimal {
	return p.cash.Add(p.quantity.Mul(p.lastPrice))
}

// Open commits all cash to a position on the given side at price.
// Any open position is closed first.
func (p *Portfolio) Open(side int, price decimal.Decimal) {
	if !p.quantity.IsZero() {
		p.Close(price)
	}
	if side == 0 || price.Sign() <= 0 || p.cash.Sign() <= 0 {
		return
	}

	unitCost := price.Mul(decimal.NewFromInt(1).Add(p.commission))
	qty := p.cash.Div(unitCost)
	fee := qty.Mul(price).Mul(p.commission)

	if side > 0 {
		p.cash = p.cash.Sub(qty.Mul(price)).Sub(fee)
		p.quantity = qty
	} else {
		p.cash = p.cash.Add(qty.Mul(price)).Sub(fee)
		p.quantity = qty.Neg()
	}
	p.entryPrice = price
	p.entryFee = fee
	p.lastPrice = price
}

// Close flattens the position at price and returns the realized PnL
func (p *Portfolio) Close(price decimal.Decimal) decimal.Decimal {
	if p.quantity.IsZero() {
		return decimal.Zero
	}

	fee := p.quantity.Abs().Mul(price).Mul(p.commission)
	p.cash = p.cash.Add(p.quantity.Mul(price)).Sub(fee)

	pnl := price.Sub(p.entryPrice).Mul(p.quantity).Sub(fee).Sub(p.entryFee)
	p.tradePnL = append(p.tradePnL, pnl)

	p.quantity = decimal.Zero
	p.entryPrice = decimal.Zero
	p.entryFee = decimal.Zero
	p.lastPrice = price
	return pnl
}

// TradePnL returns realized PnL per closed trade
func (p *Portfolio) TradePnL() []decimal.Decimal { return p.tradePnL }

// InitialCash returns the starting cash
func (p *Portfolio) InitialCash() decimal.Decimal { return p.initialCash }
