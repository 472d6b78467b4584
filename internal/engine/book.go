package engine

import (
	"math"
)

const qtyEpsilon = 1e-9

// Book 是单个 run 内的订单簿。订单集中放在 arena 里按 ID 索引，
// OCO 组与 bracket 父子关系只记录 ID 集合，不持有活引用；
// seq 保存提交顺序，所有遍历都走它，保证确定性。
type Book struct {
	ids      *IDGen
	arena    map[string]*Order
	seq      []string
	groups   map[string][]string
	children map[string][]string
}

// NewBook 构造空订单簿。
func NewBook(ids *IDGen) *Book {
	return &Book{
		ids:      ids,
		arena:    make(map[string]*Order),
		groups:   make(map[string][]string),
		children: make(map[string][]string),
	}
}

func (b *Book) validate(op string, o *Order) error {
	if o.Symbol == "" {
		return bookErr(op, BookErrBadOrder, "", "symbol 不能为空")
	}
	if o.Qty <= 0 || math.IsNaN(o.Qty) || math.IsInf(o.Qty, 0) {
		return bookErr(op, BookErrBadQty, "", "数量必须为正: %v", o.Qty)
	}
	switch o.Type {
	case Market:
	case Stop:
		if !(o.Stop > 0) || math.IsInf(o.Stop, 0) {
			return bookErr(op, BookErrBadOrder, "", "stop 触发价非法: %v", o.Stop)
		}
	case Limit:
		if !(o.Limit > 0) || math.IsInf(o.Limit, 0) {
			return bookErr(op, BookErrBadOrder, "", "limit 价非法: %v", o.Limit)
		}
	case StopLimit:
		if !(o.Stop > 0) || !(o.Limit > 0) || math.IsInf(o.Stop, 0) || math.IsInf(o.Limit, 0) {
			return bookErr(op, BookErrBadOrder, "", "stop/limit 价非法: %v/%v", o.Stop, o.Limit)
		}
	default:
		return bookErr(op, BookErrBadOrder, "", "未知订单类型: %q", o.Type)
	}
	return nil
}

func (b *Book) commit(o *Order) *Order {
	o.ID = b.ids.Next("ord")
	o.State = StatePending
	o.FilledQty = 0
	if o.TIF == "" {
		o.TIF = GTC
	}
	b.arena[o.ID] = o
	b.seq = append(b.seq, o.ID)
	if o.OCOGroup != "" {
		b.groups[o.OCOGroup] = append(b.groups[o.OCOGroup], o.ID)
	}
	if o.ParentID != "" {
		b.children[o.ParentID] = append(b.children[o.ParentID], o.ID)
	}
	return o
}

// Submit 提交单个订单，返回分配了 ID 的订单。
func (b *Book) Submit(o Order) (*Order, error) {
	if err := b.validate("submit", &o); err != nil {
		return nil, err
	}
	return b.commit(&o), nil
}

// SubmitOCO 提交一组互斥订单：任何一腿终结，其余腿同相位取消。
// 各腿带符号数量之和为零（纯对冲）视为语义冲突。
func (b *Book) SubmitOCO(legs []Order) ([]*Order, error) {
	if len(legs) < 2 {
		return nil, bookErr("submit_oco", BookErrOCOConflict, "", "OCO 至少需要两腿")
	}
	signed := 0.0
	for i := range legs {
		if err := b.validate("submit_oco", &legs[i]); err != nil {
			return nil, err
		}
		signed += legs[i].Side.Sign() * legs[i].Qty
	}
	if math.Abs(signed) <= qtyEpsilon {
		return nil, bookErr("submit_oco", BookErrOCOConflict, "", "OCO 腿带符号数量和为零")
	}
	group := b.ids.Next("oco")
	out := make([]*Order, 0, len(legs))
	for i := range legs {
		legs[i].OCOGroup = group
		out = append(out, b.commit(&legs[i]))
	}
	return out, nil
}

// Bracket 保存一组 bracket 订单的 ID。
type Bracket struct {
	EntryID  string `json:"entry_id"`
	StopID   string `json:"stop_id"`
	TargetID string `json:"target_id,omitempty"`
}

// SubmitBracket 提交 entry + 保护腿。保护腿挂在 entry 名下，
// entry 成交后同相位激活；stop 与 target 互为 OCO。target 可为 nil。
func (b *Book) SubmitBracket(entry, stop Order, target *Order) (Bracket, error) {
	if err := b.validate("submit_bracket", &entry); err != nil {
		return Bracket{}, err
	}
	if stop.Side == entry.Side {
		return Bracket{}, bookErr("submit_bracket", BookErrOCOConflict, "", "保护腿方向必须与 entry 相反")
	}
	if err := b.validate("submit_bracket", &stop); err != nil {
		return Bracket{}, err
	}
	if target != nil {
		if target.Side == entry.Side {
			return Bracket{}, bookErr("submit_bracket", BookErrOCOConflict, "", "target 腿方向必须与 entry 相反")
		}
		if err := b.validate("submit_bracket", target); err != nil {
			return Bracket{}, err
		}
	}
	e := b.commit(&entry)
	group := b.ids.Next("oco")
	stop.OCOGroup = group
	stop.ParentID = e.ID
	s := b.commit(&stop)
	br := Bracket{EntryID: e.ID, StopID: s.ID}
	if target != nil {
		t := *target
		t.OCOGroup = group
		t.ParentID = e.ID
		br.TargetID = b.commit(&t).ID
	}
	return br, nil
}

// Get 返回订单。
func (b *Book) Get(id string) (*Order, bool) {
	o, ok := b.arena[id]
	return o, ok
}

// Cancel 取消一个未终结订单，并同相位清扫其 OCO 兄弟腿与未激活子腿。
// 订单不存在或已终结返回 OrderBookError；对已被兄弟腿连带取消的订单
// 调用方可用 IsTerminalOrder 判定后视作成功。
func (b *Book) Cancel(id string) error {
	o, ok := b.arena[id]
	if !ok {
		return bookErr("cancel", BookErrNotFound, id, "订单不存在")
	}
	if o.Terminal() {
		return bookErr("cancel", BookErrTerminal, id, "订单已处于 %s", o.State)
	}
	b.terminate(o, StateCancelled)
	return nil
}

// Amend 以撤旧发新的方式修改订单：旧单转为 cancelled，新单继承
// 其角色、OCO 组、父子关系与激活相位，拿到新 ID。
// 这是唯一的改单路径，旧单的状态机不会倒退。
func (b *Book) Amend(id string, next Order) (*Order, error) {
	old, ok := b.arena[id]
	if !ok {
		return nil, bookErr("amend", BookErrNotFound, id, "订单不存在")
	}
	if old.Terminal() {
		return nil, bookErr("amend", BookErrTerminal, id, "订单已处于 %s", old.State)
	}
	if next.Symbol == "" {
		next.Symbol = old.Symbol
	}
	if next.Symbol != old.Symbol {
		return nil, bookErr("amend", BookErrBadOrder, id, "不允许跨 symbol 改单")
	}
	if next.Side == "" {
		next.Side = old.Side
	}
	if next.Type == "" {
		next.Type = old.Type
	}
	if next.TIF == "" {
		next.TIF = old.TIF
	}
	if next.Role == "" {
		next.Role = old.Role
	}
	if next.Tag == "" {
		next.Tag = old.Tag
	}
	next.PositionID = old.PositionID
	next.ParentID = old.ParentID
	next.SubmitBar = old.SubmitBar
	next.ActiveBar = old.ActiveBar
	if err := b.validate("amend", &next); err != nil {
		return nil, err
	}
	// 旧单退场但不触发 OCO 清扫：改单是组内替换，不是腿终结。
	old.State = StateCancelled
	next.OCOGroup = old.OCOGroup
	replaced := b.commit(&next)
	if g := old.OCOGroup; g != "" {
		members := b.groups[g]
		for i, mid := range members {
			if mid == old.ID {
				members[i] = replaced.ID
				break
			}
		}
		// commit 已把新 ID 追加到组尾，去掉那份重复。
		if n := len(members); n > 0 && members[n-1] == replaced.ID {
			b.groups[g] = members[:n-1]
		}
	}
	if p := old.ParentID; p != "" {
		kids := b.children[p]
		for i, kid := range kids {
			if kid == old.ID {
				kids[i] = replaced.ID
				break
			}
		}
		if n := len(kids); n > 0 && kids[n-1] == replaced.ID {
			b.children[p] = kids[:n-1]
		}
	}
	return replaced, nil
}

// terminate 将订单推入终态并做 OCO/子腿清扫。
func (b *Book) terminate(o *Order, to OrderState) {
	if !canTransition(o.State, to) {
		return
	}
	o.State = to
	if o.OCOGroup != "" {
		for _, sid := range b.groups[o.OCOGroup] {
			if sid == o.ID {
				continue
			}
			if sib, ok := b.arena[sid]; ok && !sib.Terminal() {
				b.terminate(sib, StateCancelled)
			}
		}
	}
	// 父单死于非成交终态时，挂靠的子腿永远不会激活，连带取消。
	if to != StateFilled {
		for _, cid := range b.children[o.ID] {
			if child, ok := b.arena[cid]; ok && !child.Terminal() {
				b.terminate(child, StateCancelled)
			}
		}
	}
}

// ChildOrders 返回挂在某父单名下的子腿，按提交顺序。
func (b *Book) ChildOrders(parentID string) []*Order {
	var out []*Order
	for _, id := range b.children[parentID] {
		if o := b.arena[id]; o != nil {
			out = append(out, o)
		}
	}
	return out
}

// parentSatisfied 报告订单的激活前提是否成立：无父单，或父单已成交。
func (b *Book) parentSatisfied(o *Order) bool {
	if o.ParentID == "" {
		return true
	}
	p, ok := b.arena[o.ParentID]
	return ok && p.State == StateFilled
}

// Eligible 返回某 symbol 在给定 K 线下标可参与撮合的订单，
// 按提交顺序排列：pending、已到激活相位、父单前提成立。
func (b *Book) Eligible(symbol string, barIdx int) []*Order {
	var out []*Order
	for _, id := range b.seq {
		o := b.arena[id]
		if o == nil || o.Symbol != symbol || o.State != StatePending {
			continue
		}
		if o.ActiveBar > barIdx {
			continue
		}
		if !b.parentSatisfied(o) {
			continue
		}
		out = append(out, o)
	}
	return out
}

// OrdersBySymbol 返回某 symbol 的全部订单（含终结态），按提交顺序。
func (b *Book) OrdersBySymbol(symbol string) []*Order {
	var out []*Order
	for _, id := range b.seq {
		if o := b.arena[id]; o != nil && o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out
}

// OpenProtective 返回挂在某持仓名下、仍然存活的指定角色订单。
func (b *Book) OpenProtective(positionID string, role OrderRole) *Order {
	for _, id := range b.seq {
		o := b.arena[id]
		if o != nil && o.PositionID == positionID && o.Role == role && o.State == StatePending {
			return o
		}
	}
	return nil
}

// OpenExitQty 汇总挂在某持仓名下、仍然存活的离场单未成交数量。
func (b *Book) OpenExitQty(positionID string) float64 {
	total := 0.0
	for _, id := range b.seq {
		o := b.arena[id]
		if o != nil && o.PositionID == positionID && o.Role == RoleExit && o.State == StatePending {
			total += o.Remaining()
		}
	}
	return total
}

// CancelPosition 取消挂在某持仓名下的全部存活订单（平仓后的善后）。
func (b *Book) CancelPosition(positionID string) int {
	n := 0
	for _, id := range b.seq {
		o := b.arena[id]
		if o != nil && o.PositionID == positionID && !o.Terminal() {
			b.terminate(o, StateCancelled)
			n++
		}
	}
	return n
}

// ExpireDay 将已激活且仍未触发的 Day 单转为 expired，返回过期的 ID。
// 在每根 K 线 EOB 成交之后调用。
func (b *Book) ExpireDay(barIdx int) []string {
	var out []string
	for _, id := range b.seq {
		o := b.arena[id]
		if o == nil || o.State != StatePending || o.TIF != Day {
			continue
		}
		if o.ActiveBar > barIdx {
			continue
		}
		b.terminate(o, StateExpired)
		out = append(out, o.ID)
	}
	return out
}

// markFilled 记录一笔成交量；吃满后推入 filled 并做 OCO 清扫。
// 返回订单是否由此终结。
func (b *Book) markFilled(o *Order, qty float64) bool {
	o.FilledQty += qty
	if o.Remaining() <= qtyEpsilon {
		b.fillTransition(o)
		return true
	}
	return false
}

// fillTransition 把订单推入 filled：触价单先经过 triggered，
// 市价单走 pending→filled 直达边。
func (b *Book) fillTransition(o *Order) {
	if o.State == StatePending && o.Type != Market {
		o.State = StateTriggered
	}
	b.terminate(o, StateFilled)
}
