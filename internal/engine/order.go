package engine

// Side 表示买卖方向。
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Sign 返回方向符号：买 +1、卖 -1。
func (s Side) Sign() float64 {
	if s == Buy {
		return 1
	}
	return -1
}

// Opposite 返回反方向。
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType 表示订单类型。
type OrderType string

const (
	Market    OrderType = "market"
	Stop      OrderType = "stop"
	Limit     OrderType = "limit"
	StopLimit OrderType = "stop_limit"
)

// TimeInForce 表示订单有效期。Day 单在激活当根 K 线收盘后仍未触发即过期。
type TimeInForce string

const (
	GTC TimeInForce = "gtc"
	Day TimeInForce = "day"
)

// OrderRole 标记订单在策略中的角色，随成交写入 trade tape。
type OrderRole string

const (
	RoleEntry  OrderRole = "entry"
	RoleStop   OrderRole = "stop"
	RoleTarget OrderRole = "target"
	RoleExit   OrderRole = "exit"
)

// OrderState 是订单生命周期状态。状态机单向推进，终态不可离开：
//
//	pending → triggered → filled
//	pending → filled（市价单）
//	pending → cancelled
//	pending → expired
type OrderState string

const (
	StatePending   OrderState = "pending"
	StateTriggered OrderState = "triggered"
	StateFilled    OrderState = "filled"
	StateCancelled OrderState = "cancelled"
	StateExpired   OrderState = "expired"
)

// Terminal 报告状态是否为终态。
func (s OrderState) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateExpired:
		return true
	}
	return false
}

var stateTransitions = map[OrderState]map[OrderState]bool{
	StatePending: {
		StateTriggered: true,
		StateFilled:    true,
		StateCancelled: true,
		StateExpired:   true,
	},
	StateTriggered: {
		StateFilled: true,
	},
}

func canTransition(from, to OrderState) bool {
	return stateTransitions[from][to]
}

// Order 是订单簿中的一条委托。Stop/Limit 字段按类型取用：
// stop 单看 Stop，limit 单看 Limit，stop_limit 两者都看。
type Order struct {
	ID         string      `json:"id"`
	Symbol     string      `json:"symbol"`
	Side       Side        `json:"side"`
	Type       OrderType   `json:"type"`
	Qty        float64     `json:"qty"`
	Stop       float64     `json:"stop,omitempty"`
	Limit      float64     `json:"limit,omitempty"`
	TIF        TimeInForce `json:"tif"`
	Role       OrderRole   `json:"role"`
	AtOpen     bool        `json:"at_open,omitempty"`
	AtClose    bool        `json:"at_close,omitempty"`
	OCOGroup   string      `json:"oco_group,omitempty"`
	ParentID   string      `json:"parent_id,omitempty"`
	PositionID string      `json:"position_id,omitempty"`
	State      OrderState  `json:"state"`
	SubmitBar  int         `json:"submit_bar"`
	ActiveBar  int         `json:"active_bar"`
	FilledQty  float64     `json:"filled_qty,omitempty"`
	Tag        string      `json:"tag,omitempty"`
}

// Terminal 报告订单是否已终结。
func (o *Order) Terminal() bool {
	return o.State.Terminal()
}

// Remaining 返回尚未成交的数量。
func (o *Order) Remaining() float64 {
	r := o.Qty - o.FilledQty
	if r < 0 {
		return 0
	}
	return r
}

// IntentKind 表示策略或持仓管理器对订单簿的意图种类。
type IntentKind string

const (
	IntentSubmit  IntentKind = "submit"
	IntentCancel  IntentKind = "cancel"
	IntentReplace IntentKind = "replace"
	IntentOCO     IntentKind = "oco"
	IntentBracket IntentKind = "bracket"
)

// OrderIntent 是策略侧产出的唯一指令形态。策略与持仓管理器只能
// 表达意图，由 runner 落到订单簿；任何一方都不能直接制造成交。
// bracket 意图的 Legs 按 entry、stop、target 排列（target 可省），
// oco 意图的 Legs 即全部互斥腿。
type OrderIntent struct {
	Kind     IntentKind `json:"kind"`
	Order    Order      `json:"order,omitempty"`
	CancelID string     `json:"cancel_id,omitempty"`
	Legs     []Order    `json:"legs,omitempty"`
}
