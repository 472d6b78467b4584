package backtest

import (
	"encoding/json"
	"time"

	"barwalk/internal/engine"
	"barwalk/internal/strategy"
)

const (
	RunStatusPending = "pending"
	RunStatusRunning = "running"
	RunStatusDone    = "done"
	RunStatusFailed  = "failed"
)

// RunConfig 是内容寻址的配置快照：同一份 RunConfig 序列化后必得
// 同一指纹，run ID 与引擎内全部 ID 都由它派生。Strategy 存的是
// 覆盖合并后的最终定义，模板 + 覆盖与等价的内联定义指纹一致。
type RunConfig struct {
	Symbol      string              `json:"symbol"`
	Timeframe   string              `json:"timeframe"`
	StartTS     int64               `json:"start_ts"`
	EndTS       int64               `json:"end_ts"`
	InitialCash float64             `json:"initial_cash"`
	Preset      string              `json:"preset"`
	PresetSpec  json.RawMessage     `json:"preset_spec,omitempty"`
	Strategy    strategy.Definition `json:"strategy"`
}

// RunIDFor 由配置内容指纹导出 run ID。同一配置重跑得到同一 ID，
// 结果存储因此天然幂等。
func RunIDFor(cfg RunConfig) (string, error) {
	fp, err := engine.Fingerprint(cfg)
	if err != nil {
		return "", err
	}
	return "run-" + fp[:16], nil
}

// Run 表示一次回测任务及其汇总结果。
type Run struct {
	ID          string             `json:"id"`
	Symbol      string             `json:"symbol"`
	Timeframe   string             `json:"timeframe"`
	Strategy    string             `json:"strategy"`
	Preset      string             `json:"preset"`
	Status      string             `json:"status"`
	StartTS     int64              `json:"start_ts"`
	EndTS       int64              `json:"end_ts"`
	InitialCash float64            `json:"initial_cash"`
	FinalEquity float64            `json:"final_equity"`
	NetProfit   float64            `json:"net_profit"`
	ReturnPct   float64            `json:"return_pct"`
	WinRate     float64            `json:"win_rate"`
	MaxDrawdown float64            `json:"max_drawdown"`
	Trades      int                `json:"trades"`
	Message     string             `json:"message"`
	Config      RunConfig          `json:"config"`
	Stats       engine.RunStats    `json:"stats"`
	Diag        engine.Diagnostics `json:"diagnostics"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
	CompletedAt time.Time          `json:"completed_at"`
}

// RunRequest 为 HTTP 提交使用。Strategy 指向模板 ID，Definition
// 可替代模板直接内联一份策略定义，两者二选一。
type RunRequest struct {
	Symbol      string          `json:"symbol"`
	Timeframe   string          `json:"timeframe"`
	Strategy    string          `json:"strategy"`
	Definition  json.RawMessage `json:"definition,omitempty"`
	Overrides   map[string]any  `json:"overrides,omitempty"`
	Preset      string          `json:"preset"`
	StartTS     int64           `json:"start_ts" binding:"required"`
	EndTS       int64           `json:"end_ts" binding:"required"`
	InitialCash float64         `json:"initial_cash"`
}
