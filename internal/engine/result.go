package engine

// EquityPoint 是 post-bar 相位记下的一个权益点。
type EquityPoint struct {
	Time   int64   `json:"time"`
	Bar    int     `json:"bar"`
	Equity float64 `json:"equity"`
	Cash   float64 `json:"cash"`
}

// Diagnostics 汇总一个 run 内被吸收、被拒绝、被截断的事件计数。
// 这些都不是错误，但复盘时需要知道引擎悄悄做了什么。
type Diagnostics struct {
	RatchetAbsorbed    int `json:"ratchet_absorbed"`
	ExitsNetted        int `json:"exits_netted"`
	ExpiredOrders      int `json:"expired_orders"`
	FilterRejected     int `json:"filter_rejected"`
	RemainderCancelled int `json:"remainder_cancelled"`
	RemainderRequeued  int `json:"remainder_requeued"`
	LiquidityDeferred  int `json:"liquidity_deferred"`
	SignalsBlocked     int `json:"signals_blocked"`
	IntentsRejected    int `json:"intents_rejected"`
	ForceClosed        int `json:"force_closed"`
}

// RunStats 是一个 run 的汇总统计。
type RunStats struct {
	InitialBalance  float64 `json:"initial_balance"`
	FinalEquity     float64 `json:"final_equity"`
	NetProfit       float64 `json:"net_profit"`
	ReturnPct       float64 `json:"return_pct"`
	MaxDrawdown     float64 `json:"max_drawdown"`
	Trades          int     `json:"trades"`
	Wins            int     `json:"wins"`
	Losses          int     `json:"losses"`
	WinRate         float64 `json:"win_rate"`
	ProfitFactor    float64 `json:"profit_factor"`
	TotalPnl        float64 `json:"total_pnl"`
	TotalCommission float64 `json:"total_commission"`
}

// RunResult 是一次回测的全部产出：权益曲线、成交与交易流水、
// 诊断计数和汇总统计。同一配置重跑得到逐字节相同的结果。
type RunResult struct {
	RunID   string        `json:"run_id"`
	Symbols []string      `json:"symbols"`
	Equity  []EquityPoint `json:"equity"`
	Trades  []TradeRecord `json:"trades"`
	Fills   []Fill        `json:"fills"`
	Diag    Diagnostics   `json:"diagnostics"`
	Stats   RunStats      `json:"stats"`
}

// ComputeStats 从权益曲线与交易流水汇总统计。
// 胜负按净额（毛利减手续费）判定。
func ComputeStats(initial float64, equity []EquityPoint, trades []TradeRecord) RunStats {
	st := RunStats{InitialBalance: initial, FinalEquity: initial}
	if n := len(equity); n > 0 {
		st.FinalEquity = equity[n-1].Equity
	}
	st.NetProfit = st.FinalEquity - initial
	if initial > 0 {
		st.ReturnPct = st.NetProfit / initial * 100
	}

	peak := initial
	for _, pt := range equity {
		if pt.Equity > peak {
			peak = pt.Equity
		}
		if peak > 0 {
			dd := (peak - pt.Equity) / peak
			if dd > st.MaxDrawdown {
				st.MaxDrawdown = dd
			}
		}
	}

	grossWin, grossLoss := 0.0, 0.0
	for _, t := range trades {
		st.Trades++
		st.TotalPnl += t.Pnl
		st.TotalCommission += t.Commission
		net := t.Pnl - t.Commission
		if net > 0 {
			st.Wins++
			grossWin += net
		} else if net < 0 {
			st.Losses++
			grossLoss += -net
		}
	}
	if st.Trades > 0 {
		st.WinRate = float64(st.Wins) / float64(st.Trades)
	}
	if grossLoss > 0 {
		st.ProfitFactor = grossWin / grossLoss
	} else {
		// 无亏损时分母不存在,直接报毛盈利额,避免 JSON 无法承载 Inf。
		st.ProfitFactor = grossWin
	}
	return st
}
