package engine

import (
	"context"
	"fmt"
	"math"
	"sort"

	"barwalk/internal/analysis/indicator"
	"barwalk/internal/market"
)

// RunSpec 是一次回测的全部输入。Bars 按 symbol 给出等长对齐的序列，
// Indicators 与之逐根对应。RunID 应当来自配置内容指纹（Fingerprint），
// 引擎内一切 ID 都由它派生。
type RunSpec struct {
	RunID       string
	InitialCash float64
	Preset      Preset
	Bars        map[string][]market.Candle
	Indicators  map[string]*indicator.Set
	Signal      SignalGenerator
	Filter      SignalFilter
	Policy      OrderPolicy
	Manager     PositionManager
}

// Runner 驱动四相位 K 线循环：SOB 撮合开盘市价单，intrabar 撮合
// 触价单，EOB 撮合收盘市价单，post-bar 记权益、维护持仓、评估信号。
// 单线程推进，不读壁钟，不碰共享可变状态；固定输入必得逐字节相同
// 的权益曲线与交易流水。
type Runner struct {
	spec    RunSpec
	symbols []string
	n       int

	ids     *IDGen
	book    *Book
	fillEng *FillEngine
	pf      Portfolio
	ratchet *RatchetStore

	diag   Diagnostics
	equity []EquityPoint
	trades []TradeRecord
	fills  []Fill
}

// NewRunner 校验输入并装配一个 run 的全套私有状态。
func NewRunner(spec RunSpec) (*Runner, error) {
	if spec.RunID == "" {
		return nil, cfgErr("run_id", "不能为空")
	}
	if spec.InitialCash <= 0 {
		return nil, cfgErr("initial_cash", "必须为正: %v", spec.InitialCash)
	}
	if len(spec.Bars) == 0 {
		return nil, cfgErr("bars", "K 线输入为空")
	}
	if spec.Signal == nil || spec.Policy == nil {
		return nil, cfgErr("strategy", "signal generator 与 order policy 不能为空")
	}
	if err := spec.Preset.Validate(); err != nil {
		return nil, fmt.Errorf("执行预设无效: %w", err)
	}

	symbols := make([]string, 0, len(spec.Bars))
	for sym := range spec.Bars {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	n := -1
	for _, sym := range symbols {
		series := spec.Bars[sym]
		if err := market.CheckSeries(sym, series); err != nil {
			return nil, &DataError{Symbol: sym, Reason: err.Error()}
		}
		if n < 0 {
			n = len(series)
		} else if len(series) != n {
			return nil, &DataError{Symbol: sym, Reason: fmt.Sprintf("序列长度 %d 与其它 symbol 不一致", len(series))}
		}
		if set := spec.Indicators[sym]; set != nil && set.Len() != n {
			return nil, &DataError{Symbol: sym, Reason: "指标序列长度与 K 线不一致"}
		}
	}
	// 多 symbol 时校验逐根时间对齐。
	base := spec.Bars[symbols[0]]
	for _, sym := range symbols[1:] {
		series := spec.Bars[sym]
		for i := range series {
			if series[i].OpenTime != base[i].OpenTime {
				return nil, &DataError{Symbol: sym, Bar: i, Reason: "时间轴与其它 symbol 未对齐"}
			}
		}
	}

	r := &Runner{
		spec:    spec,
		symbols: symbols,
		n:       n,
		ids:     NewIDGen(spec.RunID),
		pf:      NewPortfolio(spec.InitialCash),
	}
	r.book = NewBook(r.ids)
	r.fillEng = NewFillEngine(spec.Preset, r.ids, &r.diag)
	r.ratchet = NewRatchetStore(&r.diag)
	return r, nil
}

// Run 执行整个 K 线循环。首个致命错误立即中止并携带 bar 位置上下文，
// 不产出半截结果。
func (r *Runner) Run(ctx context.Context) (*RunResult, error) {
	for i := 0; i < r.n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("bar %d: 运行被取消: %w", i, err)
		}
		if err := r.runBar(i); err != nil {
			return nil, fmt.Errorf("bar %d: %w", i, err)
		}
	}
	st := ComputeStats(r.spec.InitialCash, r.equity, r.trades)
	return &RunResult{
		RunID:   r.spec.RunID,
		Symbols: r.symbols,
		Equity:  r.equity,
		Trades:  r.trades,
		Fills:   r.fills,
		Diag:    r.diag,
		Stats:   st,
	}, nil
}

func (r *Runner) indAt(sym string, i int) indicator.Snapshot {
	return r.spec.Indicators[sym].At(i)
}

func (r *Runner) runBar(i int) error {
	r.fillEng.ResetBar()
	last := i == r.n-1

	// 相位 1：开盘撮合。
	var fills []Fill
	for _, sym := range r.symbols {
		fs, err := r.fillEng.StartOfBar(r.book, sym, r.spec.Bars[sym][i], i, r.indAt(sym, i))
		if err != nil {
			return err
		}
		fills = append(fills, fs...)
	}
	if err := r.applyFills(fills); err != nil {
		return err
	}

	// 相位 2：盘中触价撮合。
	fills = fills[:0]
	for _, sym := range r.symbols {
		fs, err := r.fillEng.Intrabar(r.book, sym, r.spec.Bars[sym][i], i, r.indAt(sym, i))
		if err != nil {
			return err
		}
		fills = append(fills, fs...)
	}
	if err := r.applyFills(fills); err != nil {
		return err
	}

	// 相位 3：收盘撮合与 Day 单过期。
	fills = fills[:0]
	for _, sym := range r.symbols {
		fs, err := r.fillEng.EndOfBar(r.book, sym, r.spec.Bars[sym][i], i, r.indAt(sym, i))
		if err != nil {
			return err
		}
		fills = append(fills, fs...)
	}
	if err := r.applyFills(fills); err != nil {
		return err
	}

	// 相位 4：post-bar。最后一根先强平再记权益，其余时候
	// 记权益后做持仓维护与信号评估，产出的意图下一时段生效。
	if last {
		if err := r.forceClose(i); err != nil {
			return err
		}
	}
	marks := make(map[string]float64, len(r.symbols))
	for _, sym := range r.symbols {
		marks[sym] = r.spec.Bars[sym][i].Close
	}
	eq := r.pf.Equity(marks)
	r.equity = append(r.equity, EquityPoint{
		Time:   r.spec.Bars[r.symbols[0]][i].CloseTime,
		Bar:    i,
		Equity: eq,
		Cash:   r.pf.Cash,
	})
	if last {
		return nil
	}
	r.managePositions(i)
	r.evalSignals(i, eq)
	return nil
}

// applyFills 在相位末尾把成交应用到账户，并对了结的持仓做善后：
// 撤掉遗留保护单、丢弃 ratchet 记账。
func (r *Runner) applyFills(fills []Fill) error {
	if len(fills) == 0 {
		return nil
	}
	next, trades, err := ApplyFills(r.pf, fills)
	if err != nil {
		return err
	}
	r.pf = next
	r.fills = append(r.fills, fills...)
	r.trades = append(r.trades, trades...)

	// 开仓成交把 bracket 保护腿从订单名下过户到持仓名下，
	// 止损腿的初始价位顺手给 ratchet 记账。
	for _, f := range fills {
		if f.PositionID != "" || f.OrderID == "" {
			continue
		}
		pos, ok := r.pf.Positions[f.Symbol]
		if !ok {
			continue
		}
		for _, child := range r.book.ChildOrders(f.OrderID) {
			if child.Terminal() {
				continue
			}
			child.PositionID = pos.ID
			if child.Role == RoleStop && (child.Type == Stop || child.Type == StopLimit) {
				r.ratchet.Clamp(pos.ID, pos.Long(), child.Stop)
			}
		}
	}

	for _, t := range trades {
		pos, alive := r.pf.Positions[t.Symbol]
		if !alive || pos.ID != t.PositionID {
			r.book.CancelPosition(t.PositionID)
			r.ratchet.Drop(t.PositionID)
		}
	}
	return nil
}

// managePositions 对每个存量持仓先做数量对账（保护单数量不得超过
// 持仓），再调用持仓管理器并落地其意图。
func (r *Runner) managePositions(i int) {
	for _, sym := range r.symbols {
		pos, ok := r.pf.Positions[sym]
		if !ok {
			continue
		}
		stop := r.book.OpenProtective(pos.ID, RoleStop)
		target := r.book.OpenProtective(pos.ID, RoleTarget)
		stop = r.reconcileQty(stop, pos)
		target = r.reconcileQty(target, pos)

		if r.spec.Manager == nil {
			continue
		}
		mctx := ManageContext{
			Pos:    pos,
			Bars:   r.spec.Bars[sym][:i+1],
			Idx:    i,
			Ind:    r.indAt(sym, i),
			Stop:   stop,
			Target: target,
		}
		r.applyIntents(r.spec.Manager.Manage(mctx), &pos, i)
	}
}

// reconcileQty 把超出持仓规模的保护单数量收到持仓规模。
func (r *Runner) reconcileQty(o *Order, pos Position) *Order {
	if o == nil {
		return nil
	}
	size := math.Abs(pos.Qty)
	if o.Remaining() <= size+qtyEpsilon {
		return o
	}
	next := *o
	next.Qty = size
	replaced, err := r.book.Amend(o.ID, next)
	if err != nil {
		r.diag.IntentsRejected++
		return o
	}
	return replaced
}

// evalSignals 跑 signal → filter → policy 链，把意图排到下一时段。
func (r *Runner) evalSignals(i int, equity float64) {
	for _, sym := range r.symbols {
		var posPtr *Position
		if pos, ok := r.pf.Positions[sym]; ok {
			p := pos
			posPtr = &p
		}
		sctx := StrategyContext{
			Symbol:    sym,
			Bars:      r.spec.Bars[sym][:i+1],
			Idx:       i,
			Ind:       r.indAt(sym, i),
			Portfolio: r.pf,
			Equity:    equity,
			Position:  posPtr,
		}
		sig := r.spec.Signal.Signal(sctx)
		if sig.Direction == Flat {
			continue
		}
		if r.spec.Filter != nil {
			eval := r.spec.Filter.Evaluate(sctx, sig)
			if !eval.Allowed {
				r.diag.SignalsBlocked++
				continue
			}
		}
		r.applyIntents(r.spec.Policy.Build(sctx, sig), posPtr, i)
	}
}

// applyIntents 把意图落到订单簿。保护性止损价先过 ratchet 收紧；
// 生命周期违规（改已终结单等）按可恢复处理：计数后继续。
func (r *Runner) applyIntents(intents []OrderIntent, pos *Position, i int) {
	for _, intent := range intents {
		switch intent.Kind {
		case IntentCancel:
			if err := r.book.Cancel(intent.CancelID); err != nil && !IsTerminalOrder(err) {
				r.diag.IntentsRejected++
			}
		case IntentReplace:
			next := intent.Order
			if skip := r.clampProtective(&next, pos); skip {
				continue
			}
			if _, err := r.book.Amend(intent.CancelID, next); err != nil {
				if !IsTerminalOrder(err) {
					r.diag.IntentsRejected++
				}
			}
		case IntentSubmit:
			o := intent.Order
			r.stampNew(&o, pos, i)
			if skip := r.clampProtective(&o, pos); skip {
				continue
			}
			if skip := r.netExit(&o, pos); skip {
				continue
			}
			if _, err := r.book.Submit(o); err != nil {
				r.diag.IntentsRejected++
			}
		case IntentOCO:
			legs := make([]Order, len(intent.Legs))
			for k := range intent.Legs {
				legs[k] = intent.Legs[k]
				r.stampNew(&legs[k], pos, i)
				r.clampProtective(&legs[k], pos)
			}
			if _, err := r.book.SubmitOCO(legs); err != nil {
				r.diag.IntentsRejected++
			}
		case IntentBracket:
			if len(intent.Legs) < 2 {
				r.diag.IntentsRejected++
				continue
			}
			entry, stop := intent.Legs[0], intent.Legs[1]
			r.stampNew(&entry, nil, i)
			r.stampNew(&stop, nil, i)
			var target *Order
			if len(intent.Legs) > 2 {
				t := intent.Legs[2]
				r.stampNew(&t, nil, i)
				target = &t
			}
			if _, err := r.book.SubmitBracket(entry, stop, target); err != nil {
				r.diag.IntentsRejected++
			}
		default:
			r.diag.IntentsRejected++
		}
	}
}

// stampNew 给新订单补上提交相位与归属。
func (r *Runner) stampNew(o *Order, pos *Position, i int) {
	o.SubmitBar = i
	if o.ActiveBar <= i {
		o.ActiveBar = i + 1
	}
	if pos != nil && o.PositionID == "" && (o.Role == RoleStop || o.Role == RoleTarget || o.Role == RoleExit) {
		o.PositionID = pos.ID
	}
}

// netExit 给新离场单设数量上限：持仓规模减去在途离场单的未成交量。
// 超额部分截掉，上限为零时整个意图跳过。返回是否应跳过该意图。
func (r *Runner) netExit(o *Order, pos *Position) bool {
	if pos == nil || o.Role != RoleExit {
		return false
	}
	room := math.Abs(pos.Qty) - r.book.OpenExitQty(pos.ID)
	if room <= qtyEpsilon {
		r.diag.ExitsNetted++
		return true
	}
	if o.Qty > room+qtyEpsilon {
		o.Qty = room
		r.diag.ExitsNetted++
	}
	return false
}

// clampProtective 对止损腿做 ratchet 收紧。收紧后与现价无异的提案
// 直接跳过，免得无谓撤换。返回是否应跳过该意图。
func (r *Runner) clampProtective(o *Order, pos *Position) bool {
	if pos == nil || o.Role != RoleStop {
		return false
	}
	if o.Type != Stop && o.Type != StopLimit {
		return false
	}
	clamped, absorbed := r.ratchet.Clamp(pos.ID, pos.Long(), o.Stop)
	if absorbed {
		cur := r.book.OpenProtective(pos.ID, RoleStop)
		if cur != nil && math.Abs(cur.Stop-clamped) <= qtyEpsilon {
			return true
		}
	}
	o.Stop = clamped
	if o.Type == StopLimit && ((pos.Long() && o.Limit > clamped) || (!pos.Long() && o.Limit < clamped)) {
		o.Limit = clamped
	}
	return false
}

// forceClose 在最后一根 K 线收盘强平全部持仓并善后。
func (r *Runner) forceClose(i int) error {
	syms := r.pf.Symbols()
	var fills []Fill
	for _, sym := range syms {
		pos := r.pf.Positions[sym]
		f, err := r.fillEng.ForceClose(pos, r.spec.Bars[sym][i], i, r.indAt(sym, i))
		if err != nil {
			return err
		}
		fills = append(fills, f)
		r.diag.ForceClosed++
	}
	return r.applyFills(fills)
}
