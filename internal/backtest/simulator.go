package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"barwalk/internal/analysis/indicator"
	"barwalk/internal/engine"
	"barwalk/internal/logger"
	"barwalk/internal/market"
	symbolpkg "barwalk/internal/pkg/symbol"
	"barwalk/internal/strategy"
)

// SimulatorConfig 配置 Simulator。
type SimulatorConfig struct {
	CandleStore      *Store
	ResultStore      *ResultStore
	Fetcher          *Service
	Registry         *strategy.Registry
	Presets          map[string]engine.Preset
	DefaultSymbol    string
	DefaultTimeframe string
	DefaultPreset    string
	InitialCash      float64
	MaxConcurrent    int
}

// Simulator 把历史 K 线与策略定义交给撮合引擎推演，并持久化结果。
// run ID 由配置内容指纹派生，同一配置重跑直接复用已有结果。
type Simulator struct {
	store    *Store
	results  *ResultStore
	fetcher  *Service
	registry *strategy.Registry
	presets  map[string]engine.Preset

	defaultSymbol    string
	defaultTimeframe string
	defaultPreset    string
	initialCash      float64

	sem     chan struct{}
	baseCtx context.Context
}

func NewSimulator(cfg SimulatorConfig) (*Simulator, error) {
	if cfg.CandleStore == nil {
		return nil, fmt.Errorf("candle store 不能为空")
	}
	if cfg.ResultStore == nil {
		return nil, fmt.Errorf("result store 不能为空")
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
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Simulator{
		store:            cfg.CandleStore,
		results:          cfg.ResultStore,
		fetcher:          cfg.Fetcher,
		registry:         cfg.Registry,
		presets:          cfg.Presets,
		defaultSymbol:    symbolpkg.Canonical(cfg.DefaultSymbol),
		defaultTimeframe: cfg.DefaultTimeframe,
		defaultPreset:    defaultPreset,
		initialCash:      initialCash,
		sem:              make(chan struct{}, maxConcurrent),
		baseCtx:          context.Background(),
	}, nil
}

// SetContext 注入宿主 ctx，用于任务取消。
func (s *Simulator) SetContext(ctx context.Context) {
	if ctx != nil {
		s.baseCtx = ctx
	}
}

func (s *Simulator) ctx() context.Context {
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

// Presets 返回可用执行预设名（排序后）。
func (s *Simulator) Presets() []string {
	names := make([]string, 0, len(s.presets))
	for name := range s.presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartRun 解析请求、落一条 pending run 并立即返回，推演在后台进行。
// 同一配置已有结果时原样返回旧 run；失败的 run 会被重新执行。
func (s *Simulator) StartRun(req RunRequest) (Run, error) {
	symbol := symbolpkg.Canonical(req.Symbol)
	if symbol == "" {
		symbol = s.defaultSymbol
	}
	if symbol == "" {
		return Run{}, fmt.Errorf("symbol 不能为空")
	}
	tfName := strings.TrimSpace(req.Timeframe)
	if tfName == "" {
		tfName = s.defaultTimeframe
	}
	tf, err := ParseTimeframe(tfName)
	if err != nil {
		return Run{}, err
	}
	presetName := strings.ToLower(strings.TrimSpace(req.Preset))
	if presetName == "" {
		presetName = s.defaultPreset
	}
	preset, ok := s.presets[presetName]
	if !ok {
		return Run{}, fmt.Errorf("未知 preset: %s", presetName)
	}

	def, err := s.resolveDefinition(req)
	if err != nil {
		return Run{}, err
	}
	// 配置错误在提交时就报出来，不留到后台才失败
	if _, err := strategy.Build(def); err != nil {
		return Run{}, err
	}

	start, end := tf.AlignRange(req.StartTS, req.EndTS)
	if start <= 0 || end <= start {
		return Run{}, fmt.Errorf("start/end 非法")
	}
	cash := req.InitialCash
	if cash <= 0 {
		cash = s.initialCash
	}

	presetSpec, err := json.Marshal(preset)
	if err != nil {
		return Run{}, err
	}
	cfg := RunConfig{
		Symbol:      symbol,
		Timeframe:   tf.Key,
		StartTS:     start,
		EndTS:       end,
		InitialCash: cash,
		Preset:      presetName,
		PresetSpec:  presetSpec,
		Strategy:    def,
	}
	runID, err := RunIDFor(cfg)
	if err != nil {
		return Run{}, err
	}

	ctx := s.ctx()
	if existing, err := s.results.GetRun(ctx, runID); err == nil {
		if existing.Status == RunStatusFailed {
			if err := s.results.UpdateRunStatus(ctx, runID, RunStatusPending, "重新执行"); err != nil {
				return Run{}, err
			}
			existing.Status = RunStatusPending
			go s.runLoop(runID, cfg)
		}
		return existing, nil
	}

	name := def.ID
	if name == "" {
		name = "adhoc"
	}
	run := Run{
		ID:          runID,
		Symbol:      symbol,
		Timeframe:   tf.Key,
		Strategy:    name,
		Preset:      presetName,
		Status:      RunStatusPending,
		StartTS:     start,
		EndTS:       end,
		InitialCash: cash,
		FinalEquity: cash,
		Config:      cfg,
	}
	if err := s.results.InsertRun(ctx, run); err != nil {
		return Run{}, err
	}
	go s.runLoop(runID, cfg)
	return run, nil
}

func (s *Simulator) resolveDefinition(req RunRequest) (strategy.Definition, error) {
	if len(req.Definition) > 0 {
		return strategy.DecodeDefinition(req.Definition)
	}
	id := strings.TrimSpace(req.Strategy)
	if id == "" {
		return strategy.Definition{}, fmt.Errorf("strategy 不能为空")
	}
	if s.registry == nil {
		return strategy.Definition{}, fmt.Errorf("策略模板库未启用")
	}
	return s.registry.Materialize(id, req.Overrides)
}

func (s *Simulator) runLoop(runID string, cfg RunConfig) {
	select {
	case s.sem <- struct{}{}:
	default:
		logger.Warnf("[backtest] run %s 等待可用 worker", runID)
		s.sem <- struct{}{}
	}
	defer func() { <-s.sem }()

	ctx := s.ctx()
	_ = s.results.UpdateRunStatus(ctx, runID, RunStatusRunning, "准备数据…")
	if err := s.execute(ctx, runID, cfg); err != nil {
		logger.Warnf("[backtest] run %s 失败: %v", runID, err)
		_ = s.results.UpdateRunStatus(ctx, runID, RunStatusFailed, err.Error())
	}
}

func (s *Simulator) execute(ctx context.Context, runID string, cfg RunConfig) error {
	tf, err := ParseTimeframe(cfg.Timeframe)
	if err != nil {
		return err
	}
	preset, ok := s.presets[cfg.Preset]
	if !ok {
		return fmt.Errorf("未知 preset: %s", cfg.Preset)
	}
	if err := s.ensureData(ctx, runID, cfg, tf); err != nil {
		return err
	}
	candles, err := s.store.RangeCandles(ctx, cfg.Symbol, tf.Key, cfg.StartTS, cfg.EndTS)
	if err != nil {
		return err
	}
	if len(candles) < 2 {
		return fmt.Errorf("区间内 K 线不足: %d 根", len(candles))
	}
	_ = s.results.UpdateRunStatus(ctx, runID, RunStatusRunning, fmt.Sprintf("推演 %d 根 K 线…", len(candles)))
	res, err := ExecuteConfig(ctx, cfg, preset, candles)
	if err != nil {
		return err
	}
	if err := s.results.CompleteRun(ctx, runID, res); err != nil {
		return err
	}
	logger.Infof("[backtest] run %s 完成：trades=%d final=%.2f", runID, res.Stats.Trades, res.Stats.FinalEquity)
	return nil
}

func (s *Simulator) ensureData(ctx context.Context, runID string, cfg RunConfig, tf Timeframe) error {
	report, err := s.store.CheckIntegrity(ctx, cfg.Symbol, tf.Key, tf, cfg.StartTS, cfg.EndTS)
	if err != nil {
		return err
	}
	if report.Complete() {
		return nil
	}
	if s.fetcher == nil {
		return fmt.Errorf("%s %s 数据缺失（%d 段），未配置拉取服务", cfg.Symbol, tf.Key, len(report.Gaps))
	}
	job, err := s.fetcher.SubmitFetch(FetchParams{
		Symbol:    cfg.Symbol,
		Timeframe: tf.Key,
		Start:     cfg.StartTS,
		End:       cfg.EndTS,
	})
	if err != nil {
		return err
	}
	return s.waitFetchJob(ctx, runID, job, tf, cfg)
}

func (s *Simulator) waitFetchJob(ctx context.Context, runID string, job FetchJob, tf Timeframe, cfg RunConfig) error {
	updateProgress := func(j FetchJob) {
		message := fmt.Sprintf("下载 %s %s: %s", j.Params.Symbol, j.Params.Timeframe, j.Status)
		if j.Total > 0 {
			percent := float64(j.Completed) / float64(j.Total) * 100
			message = fmt.Sprintf("下载 %s %s: %.1f%%", j.Params.Symbol, j.Params.Timeframe, percent)
		}
		if err := s.results.UpdateRunStatus(ctx, runID, RunStatusRunning, message); err != nil {
			logger.Debugf("update run status failed: %v", err)
		}
	}

	checkFinal := func() error {
		final, err := s.store.CheckIntegrity(ctx, cfg.Symbol, tf.Key, tf, cfg.StartTS, cfg.EndTS)
		if err != nil {
			return err
		}
		if !final.Complete() {
			return fmt.Errorf("%s %s 数据仍缺失（%d 段）", cfg.Symbol, tf.Key, len(final.Gaps))
		}
		return nil
	}

	updateProgress(job)
	switch job.Status {
	case JobStatusDone:
		return checkFinal()
	case JobStatusFailed:
		return fmt.Errorf("下载 %s %s 失败: %s", cfg.Symbol, tf.Key, job.Message)
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			snap, ok := s.fetcher.JobSnapshot(job.ID)
			if !ok {
				continue
			}
			updateProgress(snap)
			switch snap.Status {
			case JobStatusDone:
				return checkFinal()
			case JobStatusFailed:
				if snap.Message != "" {
					return fmt.Errorf("下载 %s %s 失败: %s", cfg.Symbol, tf.Key, snap.Message)
				}
				return fmt.Errorf("下载 %s %s 失败", cfg.Symbol, tf.Key)
			case JobStatusPartial:
				return fmt.Errorf("下载 %s %s 未完成，缺口=%d", cfg.Symbol, tf.Key, len(snap.Missing))
			}
		}
	}
}

// BuildRunSpec 把一份配置与已加载的 K 线装配成引擎输入。
func BuildRunSpec(cfg RunConfig, preset engine.Preset, candles []market.Candle) (engine.RunSpec, error) {
	inst, err := strategy.Build(cfg.Strategy)
	if err != nil {
		return engine.RunSpec{}, err
	}
	runID, err := RunIDFor(cfg)
	if err != nil {
		return engine.RunSpec{}, err
	}
	specs, err := indicator.ParseSpecs(indicatorUnion(inst, preset))
	if err != nil {
		return engine.RunSpec{}, err
	}
	set, err := indicator.Compute(candles, specs)
	if err != nil {
		return engine.RunSpec{}, err
	}
	symbol := symbolpkg.Canonical(cfg.Symbol)
	return engine.RunSpec{
		RunID:       runID,
		InitialCash: cfg.InitialCash,
		Preset:      preset,
		Bars:        map[string][]market.Candle{symbol: candles},
		Indicators:  map[string]*indicator.Set{symbol: set},
		Signal:      inst.Signal,
		Filter:      inst.Filter,
		Policy:      inst.Policy,
		Manager:     inst.Manager,
	}, nil
}

// ExecuteConfig 同步执行一份配置并返回完整结果，不触碰结果存储。
// 参数扫描复用同一份 K 线时走这条路。
func ExecuteConfig(ctx context.Context, cfg RunConfig, preset engine.Preset, candles []market.Candle) (*engine.RunResult, error) {
	spec, err := BuildRunSpec(cfg, preset, candles)
	if err != nil {
		return nil, err
	}
	runner, err := engine.NewRunner(spec)
	if err != nil {
		return nil, err
	}
	return runner.Run(ctx)
}

// 策略要求的指标并上执行预设自身的需求（如 ATR 滑点）。
func indicatorUnion(inst *strategy.Instance, preset engine.Preset) []string {
	seen := make(map[string]struct{})
	var names []string
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	for _, n := range inst.Indicators {
		add(n)
	}
	for _, n := range preset.IndicatorNames() {
		add(n)
	}
	sort.Strings(names)
	return names
}
