package engine

// RatchetStore 集中执行保护性止损的单向收紧：多头止损只能上移，
// 空头止损只能下移。放松性的新价位被静默吸收（维持原价），
// 只进计数不报错。按持仓 ID 记账，持仓了结后丢弃。
//
// 收紧约束统一在这里执行，持仓管理器实现得再糟也破坏不了它。
type RatchetStore struct {
	levels map[string]float64
	diag   *Diagnostics
}

// NewRatchetStore 构造空的 ratchet 记录。
func NewRatchetStore(diag *Diagnostics) *RatchetStore {
	return &RatchetStore{levels: make(map[string]float64), diag: diag}
}

// Clamp 对某持仓的新止损价做单向收紧，返回实际应采用的价位，
// 以及这次提案是否被吸收。首次提案直接记账。
func (r *RatchetStore) Clamp(positionID string, long bool, proposed float64) (float64, bool) {
	prev, ok := r.levels[positionID]
	if !ok {
		r.levels[positionID] = proposed
		return proposed, false
	}
	tighter := proposed > prev
	if !long {
		tighter = proposed < prev
	}
	if tighter {
		r.levels[positionID] = proposed
		return proposed, false
	}
	if proposed != prev && r.diag != nil {
		r.diag.RatchetAbsorbed++
	}
	return prev, proposed != prev
}

// Level 返回某持仓当前记账的止损价。
func (r *RatchetStore) Level(positionID string) (float64, bool) {
	v, ok := r.levels[positionID]
	return v, ok
}

// Drop 丢弃某持仓的记账（平仓善后）。
func (r *RatchetStore) Drop(positionID string) {
	delete(r.levels, positionID)
}
