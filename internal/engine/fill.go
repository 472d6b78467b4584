package engine

import (
	"math"
	"sort"

	"barwalk/internal/analysis/indicator"
	"barwalk/internal/market"
)

// Phase 是一根 K 线内的撮合相位。
type Phase string

const (
	PhaseStartOfBar Phase = "sob"
	PhaseIntrabar   Phase = "intrabar"
	PhaseEndOfBar   Phase = "eob"
	PhasePostBar    Phase = "post"
)

// Fill 是一笔成交回报。Slippage 是每单位成交价对基准价的带符号偏差，
// 滑点模型恒不利，tick 取整可偏向任一侧。Gapped 标记跳空成交，
// Partial 标记被流动性约束截断。
type Fill struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"order_id"`
	PositionID string    `json:"position_id,omitempty"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Price      float64   `json:"price"`
	Qty        float64   `json:"qty"`
	Commission float64   `json:"commission"`
	Time       int64     `json:"time"`
	Bar        int       `json:"bar"`
	Phase      Phase     `json:"phase"`
	Role       OrderRole `json:"role"`
	Tag        string    `json:"tag,omitempty"`
	Slippage   float64   `json:"slippage,omitempty"`
	Gapped     bool      `json:"gapped,omitempty"`
	Partial    bool      `json:"partial,omitempty"`
}

// Notional 返回带符号名义价值：买为正、卖为负。
func (f Fill) Notional() float64 {
	return f.Side.Sign() * f.Price * f.Qty
}

// FillEngine 把订单簿与单根 K 线按相位撮合成 Fill。
// 每根 K 线共享一份流动性预算（max_volume_frac × 成交量），
// 相位间累计消耗，ResetBar 在新 K 线开始时清零。
type FillEngine struct {
	preset     Preset
	ids        *IDGen
	diag       *Diagnostics
	volumeUsed map[string]float64
}

// NewFillEngine 构造撮合引擎。
func NewFillEngine(preset Preset, ids *IDGen, diag *Diagnostics) *FillEngine {
	return &FillEngine{
		preset:     preset,
		ids:        ids,
		diag:       diag,
		volumeUsed: make(map[string]float64),
	}
}

// ResetBar 清空流动性预算，每根 K 线开始时调用一次。
func (e *FillEngine) ResetBar() {
	for k := range e.volumeUsed {
		delete(e.volumeUsed, k)
	}
}

// StartOfBar 以开盘价撮合市价单（MOO 与上一相位排队的普通市价单）。
func (e *FillEngine) StartOfBar(book *Book, symbol string, bar market.Candle, idx int, ind indicator.Snapshot) ([]Fill, error) {
	var batch []*Order
	for _, o := range book.Eligible(symbol, idx) {
		if o.Type == Market && !o.AtClose {
			batch = append(batch, o)
		}
	}
	e.sortByPriority(batch)
	return e.fillBatch(book, batch, bar.Open, bar, idx, PhaseStartOfBar, ind, false)
}

// EndOfBar 以收盘价撮合 MOC 单，然后让仍未触发的 Day 单过期。
func (e *FillEngine) EndOfBar(book *Book, symbol string, bar market.Candle, idx int, ind indicator.Snapshot) ([]Fill, error) {
	var batch []*Order
	for _, o := range book.Eligible(symbol, idx) {
		if o.Type == Market && o.AtClose {
			batch = append(batch, o)
		}
	}
	e.sortByPriority(batch)
	fills, err := e.fillBatch(book, batch, bar.Close, bar, idx, PhaseEndOfBar, ind, false)
	if err != nil {
		return nil, err
	}
	expired := book.ExpireDay(idx)
	e.diag.ExpiredOrders += len(expired)
	return fills, nil
}

// trigger 是一次已判定会触发的撮合候选。
type trigger struct {
	o      *Order
	basePx float64
	gapped bool
	dist   float64
	seg    int
	segOff float64
}

// Intrabar 在 K 线波动区间内撮合 stop/limit 单。每成交一笔就重新
// 推导候选集（成交可能激活 bracket 子腿或清扫 OCO 兄弟腿），
// 先后次序由 path policy 决定。
func (e *FillEngine) Intrabar(book *Book, symbol string, bar market.Candle, idx int, ind indicator.Snapshot) ([]Fill, error) {
	var fills []Fill
	attempted := make(map[string]bool)
	for {
		var cands []trigger
		for _, o := range book.Eligible(symbol, idx) {
			if attempted[o.ID] {
				continue
			}
			switch o.Type {
			case Stop, Limit, StopLimit:
			default:
				continue
			}
			if tr, ok := evalTrigger(o, bar); ok {
				cands = append(cands, tr)
			}
		}
		if len(cands) == 0 {
			return fills, nil
		}
		e.sortByPath(cands)
		tr := cands[0]
		attempted[tr.o.ID] = true
		f, filled, err := e.fillOrder(book, tr.o, tr.basePx, bar, idx, PhaseIntrabar, ind, tr.gapped)
		if err != nil {
			return nil, err
		}
		if filled {
			fills = append(fills, *f)
		}
	}
}

// evalTrigger 判定订单在这根 K 线上是否触发，以及基准成交价。
// 跳空越过触发价时按开盘价成交，绝不回填触发价。stop_limit 的
// 基准价越过限价时（含跳空同时越过触发价与限价）不记触发，
// 订单保持 pending，后续 K 线重新评估。
func evalTrigger(o *Order, bar market.Candle) (trigger, bool) {
	var basePx float64
	var gapped bool
	level := 0.0
	switch o.Type {
	case Stop, StopLimit:
		level = o.Stop
		if o.Side == Buy {
			switch {
			case bar.Open >= o.Stop:
				basePx, gapped = bar.Open, bar.Open > o.Stop
			case bar.High >= o.Stop:
				basePx = o.Stop
			default:
				return trigger{}, false
			}
		} else {
			switch {
			case bar.Open <= o.Stop:
				basePx, gapped = bar.Open, bar.Open < o.Stop
			case bar.Low <= o.Stop:
				basePx = o.Stop
			default:
				return trigger{}, false
			}
		}
		if o.Type == StopLimit {
			// 触发后还要满足限价才成交，否则继续挂着。
			if o.Side == Buy && basePx > o.Limit {
				return trigger{}, false
			}
			if o.Side == Sell && basePx < o.Limit {
				return trigger{}, false
			}
		}
	case Limit:
		level = o.Limit
		if o.Side == Buy {
			switch {
			case bar.Open <= o.Limit:
				basePx, gapped = bar.Open, bar.Open < o.Limit
			case bar.Low <= o.Limit:
				basePx = o.Limit
			default:
				return trigger{}, false
			}
		} else {
			switch {
			case bar.Open >= o.Limit:
				basePx, gapped = bar.Open, bar.Open > o.Limit
			case bar.High >= o.Limit:
				basePx = o.Limit
			default:
				return trigger{}, false
			}
		}
	default:
		return trigger{}, false
	}
	tr := trigger{o: o, basePx: basePx, gapped: gapped}
	if gapped {
		tr.dist = 0
	} else {
		tr.dist = math.Abs(level - bar.Open)
	}
	tr.seg, tr.segOff = chartRank(bar, basePx)
	return tr, true
}

// chartRank 返回价位沿 K 线形态走位首次被经过的段序号与段内偏移。
// 阳线按 O→L→H→C，阴线按 O→H→L→C。
func chartRank(bar market.Candle, level float64) (int, float64) {
	type seg struct{ from, to float64 }
	var segs [3]seg
	if bar.Up() {
		segs = [3]seg{{bar.Open, bar.Low}, {bar.Low, bar.High}, {bar.High, bar.Close}}
	} else {
		segs = [3]seg{{bar.Open, bar.High}, {bar.High, bar.Low}, {bar.Low, bar.Close}}
	}
	for k, s := range segs {
		lo, hi := s.from, s.to
		if lo > hi {
			lo, hi = hi, lo
		}
		if level >= lo-qtyEpsilon && level <= hi+qtyEpsilon {
			return k, math.Abs(level - s.from)
		}
	}
	return len(segs), 0
}

// sortByPath 按 path policy 排定触发先后。并列时退到 priority
// 排序，最后以提交顺序兜底，保证全序确定。
func (e *FillEngine) sortByPath(cands []trigger) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		switch e.preset.Path {
		case PathBestCase:
			ra, rb := roleRankBest(a.o.Role), roleRankBest(b.o.Role)
			if ra != rb {
				return ra < rb
			}
		case PathWorstCase:
			ra, rb := roleRankWorst(a.o.Role), roleRankWorst(b.o.Role)
			if ra != rb {
				return ra < rb
			}
		case PathDeterministic:
			ka, kb := orderKind(a.o), orderKind(b.o)
			if ka != kb {
				if e.preset.StopsFirst {
					return ka < kb
				}
				return ka > kb
			}
		case PathPriceOrder:
			if a.dist != b.dist {
				return a.dist < b.dist
			}
			if a.seg != b.seg {
				return a.seg < b.seg
			}
			if a.segOff != b.segOff {
				return a.segOff < b.segOff
			}
		}
		pa, pb := e.priorityRank(a.o, a.basePx), e.priorityRank(b.o, b.basePx)
		if pa != pb {
			return pa < pb
		}
		return false
	})
}

// roleRankBest: 对权益最有利的腿优先（target 先于 stop）。
func roleRankBest(r OrderRole) int {
	switch r {
	case RoleTarget:
		return 0
	case RoleStop:
		return 2
	}
	return 1
}

// roleRankWorst: 最不利的腿优先（stop 先于 target）。
func roleRankWorst(r OrderRole) int {
	switch r {
	case RoleStop:
		return 0
	case RoleTarget:
		return 2
	}
	return 1
}

func orderKind(o *Order) int {
	if o.Type == Limit {
		return 1
	}
	return 0
}

// priorityRank 给抢占受限资源的订单排序：worst_case 让止损先走，
// best_case 让获利腿先走。
func (e *FillEngine) priorityRank(o *Order, _ float64) int {
	if e.preset.Priority == PriorityBestCase {
		return roleRankBest(o.Role)
	}
	return roleRankWorst(o.Role)
}

func (e *FillEngine) sortByPriority(batch []*Order) {
	sort.SliceStable(batch, func(i, j int) bool {
		return e.priorityRank(batch[i], 0) < e.priorityRank(batch[j], 0)
	})
}

func (e *FillEngine) fillBatch(book *Book, batch []*Order, basePx float64, bar market.Candle, idx int, phase Phase, ind indicator.Snapshot, gapped bool) ([]Fill, error) {
	var fills []Fill
	for _, o := range batch {
		f, filled, err := e.fillOrder(book, o, basePx, bar, idx, phase, ind, gapped)
		if err != nil {
			return nil, err
		}
		if filled {
			fills = append(fills, *f)
		}
	}
	return fills, nil
}

// fillOrder 把一个已触发的订单变成成交：加滑点、过精度约束、
// 扣流动性预算，最后推进订单状态机。成交价非有限视为致命错误。
func (e *FillEngine) fillOrder(book *Book, o *Order, basePx float64, bar market.Candle, idx int, phase Phase, ind indicator.Snapshot, gapped bool) (*Fill, bool, error) {
	px := e.preset.Slippage.Adjust(o.Side, basePx, ind)
	px = e.preset.Filters.RoundPrice(px)
	if math.IsNaN(px) || math.IsInf(px, 0) || px <= 0 {
		return nil, false, &DataError{Symbol: o.Symbol, Bar: idx, Reason: "成交价非有限: order " + o.ID}
	}

	want := o.Remaining()
	allowed := want
	budgeted := e.preset.MaxVolumeFrac > 0
	if budgeted {
		budget := e.preset.MaxVolumeFrac*bar.Volume - e.volumeUsed[o.Symbol]
		if budget <= qtyEpsilon {
			e.diag.LiquidityDeferred++
			return nil, false, nil
		}
		if allowed > budget {
			allowed = budget
		}
	}
	allowed = e.preset.Filters.RoundQty(allowed)
	if allowed <= qtyEpsilon {
		book.terminate(o, StateCancelled)
		e.diag.FilterRejected++
		return nil, false, nil
	}
	if !e.preset.Filters.MeetsNotional(px, allowed) {
		book.terminate(o, StateCancelled)
		e.diag.FilterRejected++
		return nil, false, nil
	}
	if budgeted {
		e.volumeUsed[o.Symbol] += allowed
	}

	partial := allowed < want-qtyEpsilon
	fillTime := bar.CloseTime
	if phase == PhaseStartOfBar {
		fillTime = bar.OpenTime
	}
	f := &Fill{
		ID:         e.ids.Next("fil"),
		OrderID:    o.ID,
		PositionID: o.PositionID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Price:      px,
		Qty:        allowed,
		Commission: e.preset.Commission.Fee(px, allowed),
		Time:       fillTime,
		Bar:        idx,
		Phase:      phase,
		Role:       o.Role,
		Tag:        o.Tag,
		Slippage:   o.Side.Sign() * (px - basePx),
		Gapped:     gapped,
		Partial:    partial,
	}

	if !partial {
		book.markFilled(o, allowed)
		return f, true, nil
	}
	switch e.preset.Remainder {
	case RemainderNextBar:
		// 订单保持 pending，余量下一根 K 线继续吃，OCO 兄弟腿不动。
		o.FilledQty += allowed
	case RemainderRequeue:
		o.FilledQty += allowed
		e.requeue(book, o)
		e.diag.RemainderRequeued++
	default: // RemainderCancel
		// 余量作废，订单按已成交终结，OCO 清扫照常发生。
		o.FilledQty += allowed
		book.fillTransition(o)
		e.diag.RemainderCancelled++
	}
	return f, true, nil
}

// ForceClose 在最后一根 K 线收盘强平一个持仓：按收盘价加滑点定价，
// 正常计手续费，但不受流动性预算约束，必须全量了结。
func (e *FillEngine) ForceClose(pos Position, bar market.Candle, idx int, ind indicator.Snapshot) (Fill, error) {
	side := Sell
	if !pos.Long() {
		side = Buy
	}
	px := e.preset.Slippage.Adjust(side, bar.Close, ind)
	px = e.preset.Filters.RoundPrice(px)
	if math.IsNaN(px) || math.IsInf(px, 0) || px <= 0 {
		return Fill{}, &DataError{Symbol: pos.Symbol, Bar: idx, Reason: "强平价非有限"}
	}
	qty := math.Abs(pos.Qty)
	return Fill{
		ID:         e.ids.Next("fil"),
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       side,
		Price:      px,
		Qty:        qty,
		Commission: e.preset.Commission.Fee(px, qty),
		Time:       bar.CloseTime,
		Bar:        idx,
		Phase:      PhasePostBar,
		Role:       RoleExit,
		Tag:        "force_close",
		Slippage:   side.Sign() * (px - bar.Close),
	}, nil
}

// requeue 把余量搬进一个继承全部挂靠关系的新订单，旧单静默转为
// filled（不触发 OCO 清扫：替身延续同一条腿）。
func (e *FillEngine) requeue(book *Book, o *Order) {
	next := *o
	next.Qty = o.Remaining()
	next.FilledQty = 0
	o.State = StateFilled
	replaced := book.commit(&next)
	if g := o.OCOGroup; g != "" {
		members := book.groups[g]
		for i, mid := range members {
			if mid == o.ID {
				members[i] = replaced.ID
				break
			}
		}
		if n := len(members); n > 0 && members[n-1] == replaced.ID {
			book.groups[g] = members[:n-1]
		}
	}
	if p := o.ParentID; p != "" {
		kids := book.children[p]
		for i, kid := range kids {
			if kid == o.ID {
				kids[i] = replaced.ID
				break
			}
		}
		if n := len(kids); n > 0 && kids[n-1] == replaced.ID {
			book.children[p] = kids[:n-1]
		}
	}
}
