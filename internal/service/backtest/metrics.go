package backtest

import (
	"github.com/shopspring/decimal"
)

// Summary aggregates a replay's completed trades.
type Summary struct {
	Trades       int                 `json:"trades"`
	Wins         int                 `json:"wins"`
	Losses       int                 `json:"losses"`
	WinRate      decimal.Decimal     `json:"win_rate"`
	NetPnL       decimal.Decimal     `json:"net_pnl"`
	GrossProfit  decimal.Decimal     `json:"gross_profit"`
	GrossLoss    decimal.Decimal     `json:"gross_loss"`
	ProfitFactor decimal.Decimal     `json:"profit_factor"` // zero when no losing trades
	AvgR         decimal.Decimal     `json:"avg_r"`
	MaxDrawdown  decimal.Decimal     `json:"max_drawdown"`
	ByReason     map[string]int      `json:"by_reason"`
}

// Summarize computes the summary statistics over completed trades. The
// drawdown is measured on the cumulative realized PnL after each trade
// close, so intratrade excursions do not count.
func Summarize(trades []Trade) Summary {
	s := Summary{ByReason: make(map[string]int)}
	s.Trades = len(trades)
	if len(trades) == 0 {
		return s
	}

	equity := decimal.Zero
	peak := decimal.Zero
	sumR := decimal.Zero
	for _, t := range trades {
		s.ByReason[t.ExitReason]++
		sumR = sumR.Add(t.RMultiple)
		s.NetPnL = s.NetPnL.Add(t.RealizedPnL)
		if t.RealizedPnL.IsPositive() {
			s.Wins++
			s.GrossProfit = s.GrossProfit.Add(t.RealizedPnL)
		} else if t.RealizedPnL.IsNegative() {
			s.Losses++
			s.GrossLoss = s.GrossLoss.Add(t.RealizedPnL.Abs())
		}

		equity = equity.Add(t.RealizedPnL)
		if equity.GreaterThan(peak) {
			peak = equity
		}
		if dd := peak.Sub(equity); dd.GreaterThan(s.MaxDrawdown) {
			s.MaxDrawdown = dd
		}
	}

	n := decimal.NewFromInt(int64(len(trades)))
	s.WinRate = decimal.NewFromInt(int64(s.Wins)).Div(n)
	s.AvgR = sumR.Div(n)
	if s.GrossLoss.IsPositive() {
		s.ProfitFactor = s.GrossProfit.Div(s.GrossLoss)
	}
	return s
}
