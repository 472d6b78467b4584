package engine

import (
	"math"
	"sort"
	"strings"
)

// Position 是某 symbol 的净持仓。Qty 带符号：正为多、负为空。
// EntryCommission 累计开仓腿手续费，平仓时按比例归入 TradeRecord。
type Position struct {
	ID              string  `json:"id"`
	Symbol          string  `json:"symbol"`
	Qty             float64 `json:"qty"`
	AvgEntry        float64 `json:"avg_entry"`
	EntryTime       int64   `json:"entry_time"`
	EntryBar        int     `json:"entry_bar"`
	EntryCommission float64 `json:"entry_commission,omitempty"`
}

// Long 报告是否为多头持仓。
func (p Position) Long() bool {
	return p.Qty > 0
}

// Side 返回持仓方向对应的开仓方向。
func (p Position) Side() Side {
	if p.Qty >= 0 {
		return Buy
	}
	return Sell
}

// UnrealizedPnL 返回按给定标记价的浮动盈亏。
func (p Position) UnrealizedPnL(mark float64) float64 {
	return (mark - p.AvgEntry) * p.Qty
}

// Portfolio 是现金加净持仓的全量账户状态。只能由 ApplyFills 变更。
type Portfolio struct {
	Cash      float64             `json:"cash"`
	Positions map[string]Position `json:"positions"`
}

// NewPortfolio 以初始资金构造空账户。
func NewPortfolio(cash float64) Portfolio {
	return Portfolio{Cash: cash, Positions: make(map[string]Position)}
}

// Position 返回某 symbol 的持仓。
func (p Portfolio) Position(symbol string) (Position, bool) {
	pos, ok := p.Positions[symbol]
	return pos, ok
}

// Symbols 返回持仓 symbol 列表（升序，遍历确定性）。
func (p Portfolio) Symbols() []string {
	out := make([]string, 0, len(p.Positions))
	for s := range p.Positions {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Equity 返回按标记价计的总权益：现金 + Σ 持仓数量 × 标记价。
// 缺失标记价时退回均价（等价于只计已实现部分）。
func (p Portfolio) Equity(marks map[string]float64) float64 {
	eq := p.Cash
	for _, sym := range p.Symbols() {
		pos := p.Positions[sym]
		mark, ok := marks[sym]
		if !ok {
			mark = pos.AvgEntry
		}
		eq += pos.Qty * mark
	}
	return eq
}

func (p Portfolio) clone() Portfolio {
	next := Portfolio{Cash: p.Cash, Positions: make(map[string]Position, len(p.Positions))}
	for k, v := range p.Positions {
		next.Positions[k] = v
	}
	return next
}

// TradeRecord 是一笔已了结交易。Pnl 为毛利（价差），手续费单独记，
// 两者分开是为了让权益守恒可以直接对账。
type TradeRecord struct {
	PositionID string  `json:"position_id"`
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	Qty        float64 `json:"qty"`
	EntryTime  int64   `json:"entry_time"`
	EntryPrice float64 `json:"entry_price"`
	ExitTime   int64   `json:"exit_time"`
	ExitPrice  float64 `json:"exit_price"`
	ExitBar    int     `json:"exit_bar"`
	Pnl        float64 `json:"pnl"`
	Commission float64 `json:"commission"`
	Reason     string  `json:"reason"`
	Gapped     bool    `json:"gapped,omitempty"`
	Slippage   float64 `json:"slippage,omitempty"`
}

// positionIDFromFill 从开仓成交派生持仓 ID，保证确定性。
func positionIDFromFill(fillID string) string {
	if strings.HasPrefix(fillID, "fil-") {
		return "pos-" + fillID[len("fil-"):]
	}
	return "pos-" + fillID
}

// ApplyFills 把一个相位内按序排列的成交应用到账户上，返回新账户与
// 本相位了结的交易。纯函数：输入不被修改，无隐藏状态。
//
// 现金守恒：cash 变化量 == -(带符号名义价值之和) - 手续费之和。
// 同向加仓摊薄均价；反向成交先平后开，数量越过零点时在同一相位内
// 原子翻向。
func ApplyFills(pf Portfolio, fills []Fill) (Portfolio, []TradeRecord, error) {
	next := pf.clone()
	var trades []TradeRecord
	for _, f := range fills {
		if f.Qty <= 0 || math.IsNaN(f.Price) || math.IsInf(f.Price, 0) {
			return pf, nil, &DataError{Symbol: f.Symbol, Bar: f.Bar, Reason: "非法成交: " + f.ID}
		}
		next.Cash -= f.Notional() + f.Commission

		signed := f.Side.Sign() * f.Qty
		pos, has := next.Positions[f.Symbol]
		if !has || pos.Qty == 0 {
			next.Positions[f.Symbol] = Position{
				ID:              positionIDFromFill(f.ID),
				Symbol:          f.Symbol,
				Qty:             signed,
				AvgEntry:        f.Price,
				EntryTime:       f.Time,
				EntryBar:        f.Bar,
				EntryCommission: f.Commission,
			}
			continue
		}
		if sameSign(pos.Qty, signed) {
			total := pos.Qty + signed
			pos.AvgEntry = (pos.AvgEntry*math.Abs(pos.Qty) + f.Price*f.Qty) / math.Abs(total)
			pos.Qty = total
			pos.EntryCommission += f.Commission
			next.Positions[f.Symbol] = pos
			continue
		}

		// 反向成交：先平掉现有持仓，可能剩余翻向。
		closeQty := math.Min(f.Qty, math.Abs(pos.Qty))
		frac := closeQty / math.Abs(pos.Qty)
		entryComm := pos.EntryCommission * frac
		exitComm := f.Commission * (closeQty / f.Qty)
		dir := 1.0
		if !pos.Long() {
			dir = -1
		}
		reason := f.Tag
		if reason == "" {
			reason = string(f.Role)
		}
		trades = append(trades, TradeRecord{
			PositionID: pos.ID,
			Symbol:     f.Symbol,
			Side:       pos.Side(),
			Qty:        closeQty,
			EntryTime:  pos.EntryTime,
			EntryPrice: pos.AvgEntry,
			ExitTime:   f.Time,
			ExitPrice:  f.Price,
			ExitBar:    f.Bar,
			Pnl:        (f.Price - pos.AvgEntry) * closeQty * dir,
			Commission: entryComm + exitComm,
			Reason:     reason,
			Gapped:     f.Gapped,
			Slippage:   f.Slippage,
		})

		remainder := f.Qty - closeQty
		reduced := math.Abs(pos.Qty) - closeQty
		if pos.Long() {
			pos.Qty = reduced
		} else {
			pos.Qty = -reduced
		}
		pos.EntryCommission -= entryComm
		if reduced <= qtyEpsilon {
			delete(next.Positions, f.Symbol)
			if remainder > qtyEpsilon {
				// 翻向：剩余数量以同一成交价开新仓，同相位内原子完成。
				next.Positions[f.Symbol] = Position{
					ID:              positionIDFromFill(f.ID) + "-r",
					Symbol:          f.Symbol,
					Qty:             f.Side.Sign() * remainder,
					AvgEntry:        f.Price,
					EntryTime:       f.Time,
					EntryBar:        f.Bar,
					EntryCommission: f.Commission - exitComm,
				}
			}
		} else {
			next.Positions[f.Symbol] = pos
		}
	}
	if math.IsNaN(next.Cash) || math.IsInf(next.Cash, 0) {
		return pf, nil, &DataError{Reason: "现金出现非有限数值"}
	}
	return next, trades, nil
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
