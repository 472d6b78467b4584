package sweep

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"barwalk/internal/backtest"
	"barwalk/internal/engine"
	"barwalk/internal/logger"
	"barwalk/internal/market"
	symbolpkg "barwalk/internal/pkg/symbol"
	"barwalk/internal/strategy"
)

const (
	SweepStatusPending = "pending"
	SweepStatusRunning = "running"
	SweepStatusDone    = "done"
	SweepStatusPartial = "partial"
	SweepStatusFailed  = "failed"
)

const (
	MemberStatusPending = "pending"
	MemberStatusDone    = "done"
	MemberStatusFailed  = "failed"
)

// Request 描述一次参数扫描：一份基准策略（模板 ID 或内联定义）加
// 一组参数变体。变体可显式给出（variants），也可由参数轴展开
// （grid）；两者并存时先 variants 后 grid。不给变体则退化为对基准
// 定义的单次运行。
type Request struct {
	Symbol      string           `json:"symbol"`
	Timeframe   string           `json:"timeframe"`
	Strategy    string           `json:"strategy,omitempty"`
	Definition  json.RawMessage  `json:"definition,omitempty"`
	Preset      string           `json:"preset,omitempty"`
	StartTS     int64            `json:"start_ts" binding:"required"`
	EndTS       int64            `json:"end_ts" binding:"required"`
	InitialCash float64          `json:"initial_cash,omitempty"`
	Grid        Grid             `json:"grid,omitempty"`
	Variants    []map[string]any `json:"variants,omitempty"`
	Workers     int              `json:"workers,omitempty"`
}

// SweepRecord 是一次参数扫描的头信息与汇总。
type SweepRecord struct {
	ID            string    `json:"id"`
	Symbol        string    `json:"symbol"`
	Timeframe     string    `json:"timeframe"`
	Strategy      string    `json:"strategy"`
	Preset        string    `json:"preset"`
	Status        string    `json:"status"`
	StartTS       int64     `json:"start_ts"`
	EndTS         int64     `json:"end_ts"`
	InitialCash   float64   `json:"initial_cash"`
	Workers       int       `json:"workers"`
	Total         int       `json:"total"`
	Completed     int       `json:"completed"`
	Failed        int       `json:"failed"`
	BestRunID     string    `json:"best_run_id,omitempty"`
	BestNetProfit float64   `json:"best_net_profit"`
	Message       string    `json:"message,omitempty"`
	Request       Request   `json:"request"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	CompletedAt   time.Time `json:"completed_at"`
}

// MemberRecord 是扫描中单个变体的运行摘要。RunID 与单次回测同源：
// 同一变体无论经扫描还是单跑，配置指纹一致。
type MemberRecord struct {
	SweepID     string             `json:"sweep_id"`
	RunID       string             `json:"run_id"`
	Seq         int                `json:"seq"`
	Status      string             `json:"status"`
	Message     string             `json:"message,omitempty"`
	Overrides   map[string]any     `json:"overrides,omitempty"`
	Config      backtest.RunConfig `json:"config"`
	Stats       engine.RunStats    `json:"stats"`
	FinalEquity float64            `json:"final_equity"`
	NetProfit   float64            `json:"net_profit"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// RunnerConfig 配置 Runner。
type RunnerConfig struct {
	CandleStore      *backtest.Store
	Artifacts        *Store
	Registry         *strategy.Registry
	Presets          map[string]engine.Preset
	DefaultSymbol    string
	DefaultTimeframe string
	DefaultPreset    string
	InitialCash      float64
	Workers          int
	MaxVariants      int
}

// Runner 把一段历史数据一次性载入内存，对参数网格内的全部变体逐一
// 推演。Workers=1 即串行；并行下每个变体的 run ID 与结果只由各自
// 配置决定，与执行顺序无关。
type Runner struct {
	candles   *backtest.Store
	artifacts *Store
	registry  *strategy.Registry
	presets   map[string]engine.Preset

	defaultSymbol    string
	defaultTimeframe string
	defaultPreset    string
	initialCash      float64
	workers          int
	maxVariants      int

	baseCtx context.Context
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.CandleStore == nil {
		return nil, fmt.Errorf("candle store 不能为空")
	}
	if cfg.Artifacts == nil {
		return nil, fmt.Errorf("sweep store 不能为空")
	}
	if len(cfg.Presets) == 0 {
		return nil, fmt.Errorf("presets 不能为空")
	}
	defaultPreset := strings.ToLower(cfg.DefaultPreset)
	if defaultPreset == "" {
		for name := range cfg.Presets {
			defaultPreset = name
			break
		}
	}
	if _, ok := cfg.Presets[defaultPreset]; !ok {
		return nil, fmt.Errorf("未知 preset: %s", defaultPreset)
	}
	initialCash := cfg.InitialCash
	if initialCash <= 0 {
		initialCash = 10000
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	maxVariants := cfg.MaxVariants
	if maxVariants <= 0 {
		maxVariants = 200
	}
	return &Runner{
		candles:          cfg.CandleStore,
		artifacts:        cfg.Artifacts,
		registry:         cfg.Registry,
		presets:          cfg.Presets,
		defaultSymbol:    symbolpkg.Canonical(cfg.DefaultSymbol),
		defaultTimeframe: cfg.DefaultTimeframe,
		defaultPreset:    defaultPreset,
		initialCash:      initialCash,
		workers:          workers,
		maxVariants:      maxVariants,
		baseCtx:          context.Background(),
	}, nil
}

// SetContext 注入宿主 ctx，用于任务取消。
func (r *Runner) SetContext(ctx context.Context) {
	if ctx != nil {
		r.baseCtx = ctx
	}
}

func (r *Runner) ctx() context.Context {
	if r.baseCtx != nil {
		return r.baseCtx
	}
	return context.Background()
}

// StartSweep 校验请求、展开变体、落一条 pending 扫描并立即返回，
// 推演在后台进行。扫描 ID 由成员 run ID 序列指纹派生：同一批配置
// 无论经显式变体还是网格展开提交，命中同一条扫描。失败的扫描会被
// 重置后重新执行。
func (r *Runner) StartSweep(req Request) (SweepRecord, error) {
	symbol := symbolpkg.Canonical(req.Symbol)
	if symbol == "" {
		symbol = r.defaultSymbol
	}
	if symbol == "" {
		return SweepRecord{}, fmt.Errorf("symbol 不能为空")
	}
	tfName := strings.TrimSpace(req.Timeframe)
	if tfName == "" {
		tfName = r.defaultTimeframe
	}
	tf, err := backtest.ParseTimeframe(tfName)
	if err != nil {
		return SweepRecord{}, err
	}
	presetName := strings.ToLower(strings.TrimSpace(req.Preset))
	if presetName == "" {
		presetName = r.defaultPreset
	}
	preset, ok := r.presets[presetName]
	if !ok {
		return SweepRecord{}, fmt.Errorf("未知 preset: %s", presetName)
	}

	total := len(req.Variants) + req.Grid.Size()
	if total > r.maxVariants {
		return SweepRecord{}, fmt.Errorf("变体数量 %d 超出上限 %d", total, r.maxVariants)
	}
	variants := append([]map[string]any(nil), req.Variants...)
	variants = append(variants, ExpandGrid(req.Grid)...)
	if len(variants) == 0 {
		variants = append(variants, nil)
	}

	start, end := tf.AlignRange(req.StartTS, req.EndTS)
	if start <= 0 || end <= start {
		return SweepRecord{}, fmt.Errorf("start/end 非法")
	}
	cash := req.InitialCash
	if cash <= 0 {
		cash = r.initialCash
	}
	workers := req.Workers
	if workers <= 0 {
		workers = r.workers
	}
	presetSpec, err := json.Marshal(preset)
	if err != nil {
		return SweepRecord{}, err
	}

	strategyName := strings.TrimSpace(req.Strategy)
	var baseDef strategy.Definition
	useTemplate := len(req.Definition) == 0
	if useTemplate {
		if strategyName == "" {
			return SweepRecord{}, fmt.Errorf("strategy 不能为空")
		}
		if r.registry == nil {
			return SweepRecord{}, fmt.Errorf("策略模板库未启用")
		}
	} else {
		baseDef, err = strategy.DecodeDefinition(req.Definition)
		if err != nil {
			return SweepRecord{}, err
		}
	}

	// 配置错误在提交时就报出来：每个变体先装配一遍，装不起来整个
	// 扫描拒收。重复变体（展开后指纹相同）只保留首个。
	members := make([]MemberRecord, 0, len(variants))
	seen := make(map[string]struct{}, len(variants))
	for _, ov := range variants {
		var def strategy.Definition
		if useTemplate {
			def, err = r.registry.Materialize(strategyName, ov)
		} else {
			def, err = strategy.ApplyOverrides(baseDef, ov)
		}
		if err != nil {
			return SweepRecord{}, err
		}
		if _, err = strategy.Build(def); err != nil {
			return SweepRecord{}, err
		}
		cfg := backtest.RunConfig{
			Symbol:      symbol,
			Timeframe:   tf.Key,
			StartTS:     start,
			EndTS:       end,
			InitialCash: cash,
			Preset:      presetName,
			PresetSpec:  presetSpec,
			Strategy:    def,
		}
		runID, err := backtest.RunIDFor(cfg)
		if err != nil {
			return SweepRecord{}, err
		}
		if _, dup := seen[runID]; dup {
			continue
		}
		seen[runID] = struct{}{}
		members = append(members, MemberRecord{
			RunID:     runID,
			Seq:       len(members),
			Status:    MemberStatusPending,
			Overrides: ov,
			Config:    cfg,
		})
	}

	sweepID, err := sweepIDFor(symbol, tf.Key, start, end, cash, presetName, members)
	if err != nil {
		return SweepRecord{}, err
	}

	ctx := r.ctx()
	existing, found, err := r.artifacts.GetSweep(ctx, sweepID)
	if err != nil {
		return SweepRecord{}, err
	}
	if found && existing.Status != SweepStatusFailed {
		return existing, nil
	}

	name := strategyName
	if name == "" {
		name = baseDef.ID
	}
	if name == "" {
		name = "adhoc"
	}
	rec := SweepRecord{
		ID:          sweepID,
		Symbol:      symbol,
		Timeframe:   tf.Key,
		Strategy:    name,
		Preset:      presetName,
		Status:      SweepStatusPending,
		StartTS:     start,
		EndTS:       end,
		InitialCash: cash,
		Workers:     workers,
		Total:       len(members),
		Request:     req,
	}
	if found {
		rec.Message = "重新执行"
	}
	for i := range members {
		members[i].SweepID = sweepID
	}
	if err := r.artifacts.SaveSweep(ctx, rec, members); err != nil {
		return SweepRecord{}, err
	}
	go r.runSweep(rec, members, preset)
	return rec, nil
}

// sweepIDFor 由成员 run ID 序列加区间信息的指纹导出扫描 ID。成员
// run ID 本身已覆盖策略与预设内容，扫描 ID 因此只取决于"实际要跑
// 什么"，与请求的书写形式无关。
func sweepIDFor(symbol, timeframe string, start, end int64, cash float64, preset string, members []MemberRecord) (string, error) {
	runIDs := make([]string, len(members))
	for i, m := range members {
		runIDs[i] = m.RunID
	}
	fp, err := engine.Fingerprint(struct {
		Symbol      string   `json:"symbol"`
		Timeframe   string   `json:"timeframe"`
		StartTS     int64    `json:"start_ts"`
		EndTS       int64    `json:"end_ts"`
		InitialCash float64  `json:"initial_cash"`
		Preset      string   `json:"preset"`
		RunIDs      []string `json:"run_ids"`
	}{symbol, timeframe, start, end, cash, preset, runIDs})
	if err != nil {
		return "", err
	}
	return "swp-" + fp[:16], nil
}

func (r *Runner) runSweep(rec SweepRecord, members []MemberRecord, preset engine.Preset) {
	ctx := r.ctx()
	_ = r.artifacts.UpdateSweepStatus(ctx, rec.ID, SweepStatusRunning, "加载数据…")

	candles, err := r.loadCandles(ctx, rec)
	if err != nil {
		logger.Warnf("[sweep] %s 失败: %v", rec.ID, err)
		_ = r.artifacts.FinishSweep(ctx, rec.ID, 0, 0, "", 0, SweepStatusFailed, err.Error())
		return
	}
	_ = r.artifacts.UpdateSweepStatus(ctx, rec.ID, SweepStatusRunning,
		fmt.Sprintf("推演 %d 个变体 × %d 根 K 线…", len(members), len(candles)))

	// 全部变体共享同一份已加载的 K 线。结果按成员下标归位，最优
	// 选取在全部完成后按提交序扫描，与并行完成顺序无关。
	stats := make([]*engine.RunStats, len(members))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rec.Workers)
	for i := range members {
		m := members[i]
		idx := i
		g.Go(func() error {
			res, err := backtest.ExecuteConfig(gctx, m.Config, preset, candles)
			if err != nil {
				// 单个变体失败不拖垮整个扫描
				_ = r.artifacts.FailMember(ctx, rec.ID, m.RunID, err.Error())
				return nil
			}
			stats[idx] = &res.Stats
			return r.artifacts.CompleteMember(ctx, rec.ID, m.RunID, res.Stats)
		})
	}
	if err := g.Wait(); err != nil {
		logger.Warnf("[sweep] %s 失败: %v", rec.ID, err)
		_ = r.artifacts.FinishSweep(ctx, rec.ID, 0, 0, "", 0, SweepStatusFailed, err.Error())
		return
	}

	completed, failed := 0, 0
	bestID, bestProfit := "", 0.0
	for i, st := range stats {
		if st == nil {
			failed++
			continue
		}
		completed++
		if bestID == "" || st.NetProfit > bestProfit {
			bestID = members[i].RunID
			bestProfit = st.NetProfit
		}
	}
	status := SweepStatusDone
	message := fmt.Sprintf("扫描完成：%d/%d", completed, len(members))
	switch {
	case completed == 0:
		status = SweepStatusFailed
		message = fmt.Sprintf("全部 %d 个变体失败", len(members))
	case failed > 0:
		status = SweepStatusPartial
		message = fmt.Sprintf("扫描完成：%d/%d，失败 %d", completed, len(members), failed)
	}
	if err := r.artifacts.FinishSweep(ctx, rec.ID, completed, failed, bestID, bestProfit, status, message); err != nil {
		logger.Warnf("[sweep] %s 写入汇总失败: %v", rec.ID, err)
		return
	}
	logger.InfoBlock(sweepSummary(rec.ID, members, stats, completed, bestID, bestProfit))
}

// sweepSummary 渲染扫描完成后的多行榜单：汇总行之后按净利降序
// 列出前五个完成的变体。
func sweepSummary(sweepID string, members []MemberRecord, stats []*engine.RunStats, completed int, bestID string, bestProfit float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[sweep] %s 完成：%d/%d best=%s net=%.2f", sweepID, completed, len(members), bestID, bestProfit)

	type ranked struct {
		runID string
		st    *engine.RunStats
	}
	rows := make([]ranked, 0, len(members))
	for i, st := range stats {
		if st != nil {
			rows = append(rows, ranked{members[i].RunID, st})
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].st.NetProfit > rows[j].st.NetProfit })
	if len(rows) > 5 {
		rows = rows[:5]
	}
	for k, row := range rows {
		fmt.Fprintf(&b, "\n  #%d %s net=%.2f return=%.2f%% dd=%.2f%% trades=%d",
			k+1, row.runID, row.st.NetProfit, row.st.ReturnPct, row.st.MaxDrawdown*100, row.st.Trades)
	}
	return b.String()
}

func (r *Runner) loadCandles(ctx context.Context, rec SweepRecord) ([]market.Candle, error) {
	tf, err := backtest.ParseTimeframe(rec.Timeframe)
	if err != nil {
		return nil, err
	}
	report, err := r.candles.CheckIntegrity(ctx, rec.Symbol, tf.Key, tf, rec.StartTS, rec.EndTS)
	if err != nil {
		return nil, err
	}
	if !report.Complete() {
		return nil, fmt.Errorf("%s %s 数据缺失（%d 段），请先提交拉取任务", rec.Symbol, tf.Key, len(report.Gaps))
	}
	candles, err := r.candles.RangeCandles(ctx, rec.Symbol, tf.Key, rec.StartTS, rec.EndTS)
	if err != nil {
		return nil, err
	}
	if len(candles) < 2 {
		return nil, fmt.Errorf("区间内 K 线不足: %d 根", len(candles))
	}
	return candles, nil
}

// Sweep 返回扫描头信息。
func (r *Runner) Sweep(id string) (SweepRecord, bool, error) {
	return r.artifacts.GetSweep(r.ctx(), id)
}

// Sweeps 返回最近的扫描列表（新在前）。
func (r *Runner) Sweeps(limit int) ([]SweepRecord, error) {
	return r.artifacts.ListSweeps(r.ctx(), limit)
}

// Members 返回扫描成员摘要（提交序）。
func (r *Runner) Members(sweepID string) ([]MemberRecord, error) {
	return r.artifacts.ListMembers(r.ctx(), sweepID)
}
