package report

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"

	"barwalk/internal/backtest"
	"barwalk/internal/engine"
)

// PageInput 汇集一次 run 的报表素材：头信息、权益曲线与交易流水。
type PageInput struct {
	Run    backtest.Run
	Equity []engine.EquityPoint
	Trades []engine.TradeRecord
}

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorBull          = "#34d399"
	colorBear          = "#f87171"
	colorEquity        = "#3b82f6"
	colorEntry         = "#fbbf24"

	chartWidthPx    = 1600
	equityHeightPx  = 600
	ddHeightPx      = 260
	pnlHeightPx     = 260
	minPageHeightPx = 520
)

// RenderHTML 生成自包含的报表页：权益曲线（带进出场标记）、回撤
// 面积图与逐笔盈亏柱。
func RenderHTML(input PageInput) ([]byte, error) {
	if len(input.Equity) == 0 {
		return nil, fmt.Errorf("run %s 没有权益序列，无法出图", input.Run.ID)
	}
	page := components.NewPage()
	page.SetLayout(components.PageFlexLayout)

	xAxis := buildXAxis(input.Equity)
	page.AddCharts(buildEquityChart(input, xAxis))
	page.AddCharts(buildDrawdownChart(xAxis, input.Equity))
	if len(input.Trades) > 0 {
		page.AddCharts(buildPnlChart(input.Trades))
	}

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// RenderPNG 经 headless 浏览器把报表页转成 PNG。timeout <= 0 时取
// 20s。没有可用浏览器直接报错，由调用方降级到 HTML。
func RenderPNG(ctx context.Context, input PageInput, timeout time.Duration) ([]byte, error) {
	if err := EnsureHeadlessAvailable(ctx); err != nil {
		return nil, err
	}
	html, err := RenderHTML(input)
	if err != nil {
		return nil, err
	}
	height := equityHeightPx + ddHeightPx
	if len(input.Trades) > 0 {
		height += pnlHeightPx
	}
	if height < minPageHeightPx {
		height = minPageHeightPx
	}
	return renderHTMLToPNG(ctx, html, chartWidthPx, height, timeout)
}

var (
	headlessOnce sync.Once
	headlessErr  error
)

// EnsureHeadlessAvailable 探测一次 headless 浏览器可用性，结果缓存。
func EnsureHeadlessAvailable(ctx context.Context) error {
	headlessOnce.Do(func() {
		targetCtx := ctx
		if targetCtx == nil {
			targetCtx = context.Background()
		}
		parent, cancel := chromedp.NewContext(targetCtx)
		if cancel != nil {
			defer cancel()
		}
		headlessErr = chromedp.Run(parent)
	})
	return headlessErr
}

func buildEquityChart(input PageInput, xAxis []string) *charts.Line {
	run := input.Run
	minEq, maxEq := equityBounds(input.Equity)
	padding := (maxEq - minEq) * 0.05
	if padding <= 0 {
		padding = math.Max(1, math.Abs(maxEq)*0.01)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", equityHeightPx),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{
			Title: fmt.Sprintf("%s %s | %s", strings.ToUpper(run.Symbol), run.Timeframe, run.Strategy),
			Subtitle: fmt.Sprintf("net %+.2f (%+.2f%%) | trades %d | win %.1f%% | maxDD %.2f%%",
				run.Stats.NetProfit, run.Stats.ReturnPct, run.Stats.Trades, run.Stats.WinRate, run.Stats.MaxDrawdown),
			Left:          "left",
			Top:           "10",
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
		}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(false)},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			Min:       round(minEq-padding, 2),
			Max:       round(maxEq+padding, 2),
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.2)}},
		}),
	)

	data := make([]opts.LineData, len(input.Equity))
	for i, p := range input.Equity {
		data[i] = opts.LineData{Value: round(p.Equity, 2)}
	}
	line.SetXAxis(xAxis)
	line.AddSeries("Equity", data,
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorEquity, Width: 2}),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)
	line.Overlap(buildTradeMarkers(input.Equity, input.Trades))
	return line
}

// buildTradeMarkers 把进出场时间对齐到权益曲线的 bar 序列上：进场
// 三角（多朝上、空朝下），出场菱形按盈亏着色。找不到对应 bar 的
// 标记直接跳过。
func buildTradeMarkers(equity []engine.EquityPoint, trades []engine.TradeRecord) *charts.Scatter {
	index := make(map[int64]int, len(equity))
	for i, p := range equity {
		index[p.Time] = i
	}
	blank := func() []opts.ScatterData {
		out := make([]opts.ScatterData, len(equity))
		for i := range out {
			out[i] = opts.ScatterData{Value: nil}
		}
		return out
	}
	longEntry := blank()
	shortEntry := blank()
	exitWin := blank()
	exitLoss := blank()
	for _, tr := range trades {
		if i, ok := index[tr.EntryTime]; ok {
			point := opts.ScatterData{Value: round(equity[i].Equity, 2), Symbol: "triangle", SymbolSize: 12}
			if tr.Side == engine.Sell {
				point.SymbolRotate = 180
				shortEntry[i] = point
			} else {
				longEntry[i] = point
			}
		}
		if i, ok := index[tr.ExitTime]; ok {
			point := opts.ScatterData{Value: round(equity[i].Equity, 2), Symbol: "diamond", SymbolSize: 12}
			if tr.Pnl >= 0 {
				exitWin[i] = point
			} else {
				exitLoss[i] = point
			}
		}
	}

	scatter := charts.NewScatter()
	scatter.AddSeries("Long Entry", longEntry, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorEntry}))
	scatter.AddSeries("Short Entry", shortEntry, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorEntry}))
	scatter.AddSeries("Exit Win", exitWin, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorBull}))
	scatter.AddSeries("Exit Loss", exitLoss, charts.WithItemStyleOpts(opts.ItemStyle{Color: colorBear}))
	return scatter
}

func buildDrawdownChart(xAxis []string, equity []engine.EquityPoint) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", ddHeightPx),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{Title: "Drawdown %", Left: "left", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Show: opts.Bool(false)},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			AxisLabel: &opts.AxisLabel{Show: opts.Bool(true), Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.15)}},
		}),
	)
	dd := drawdownSeries(equity)
	data := make([]opts.LineData, len(dd))
	for i, v := range dd {
		data[i] = opts.LineData{Value: round(-v, 2)}
	}
	line.SetXAxis(xAxis)
	line.AddSeries("Drawdown", data,
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorBear, Width: 2}),
		charts.WithAreaStyleOpts(opts.AreaStyle{Color: colorBear, Opacity: opts.Float(0.25)}),
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
	)
	return line
}

func buildPnlChart(trades []engine.TradeRecord) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{
			Theme:           types.ThemeWesteros,
			Width:           fmt.Sprintf("%dpx", chartWidthPx),
			Height:          fmt.Sprintf("%dpx", pnlHeightPx),
			BackgroundColor: colorBackground,
		}),
		charts.WithTitleOpts(opts.Title{Title: "Trade PnL", Left: "left", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary, Rotate: 45},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			AxisLabel: &opts.AxisLabel{Show: opts.Bool(true), Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.15)}},
		}),
	)
	x := make([]string, len(trades))
	data := make([]opts.BarData, len(trades))
	for i, tr := range trades {
		x[i] = time.UnixMilli(tr.ExitTime).UTC().Format("01-02 15:04")
		color := colorBear
		if tr.Pnl >= 0 {
			color = colorBull
		}
		data[i] = opts.BarData{
			Value: round(tr.Pnl, 2),
			ItemStyle: &opts.ItemStyle{
				Color:   color,
				Opacity: opts.Float(0.8),
			},
		}
	}
	bar.SetXAxis(x)
	bar.AddSeries("PnL", data)
	return bar
}

// drawdownSeries 计算各点相对历史峰值的回撤百分比（正数）。
func drawdownSeries(equity []engine.EquityPoint) []float64 {
	out := make([]float64, len(equity))
	peak := math.Inf(-1)
	for i, p := range equity {
		if p.Equity > peak {
			peak = p.Equity
		}
		if peak > 0 {
			out[i] = (peak - p.Equity) / peak * 100
		}
	}
	return out
}

func buildXAxis(equity []engine.EquityPoint) []string {
	x := make([]string, len(equity))
	for i, p := range equity {
		x[i] = time.UnixMilli(p.Time).UTC().Format("01-02 15:04")
	}
	return x
}

func equityBounds(equity []engine.EquityPoint) (minVal, maxVal float64) {
	if len(equity) == 0 {
		return 0, 0
	}
	minVal = equity[0].Equity
	maxVal = equity[0].Equity
	for _, p := range equity {
		if p.Equity < minVal {
			minVal = p.Equity
		}
		if p.Equity > maxVal {
			maxVal = p.Equity
		}
	}
	return minVal, maxVal
}

func round(val float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Round(val)
	}
	scale := math.Pow10(decimals)
	return math.Round(val*scale) / scale
}

func renderHTMLToPNG(ctx context.Context, html []byte, width, height int, timeout time.Duration) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	parent, cancel := chromedp.NewContext(ctx)
	defer cancel()

	timeoutCtx, cancelTimeout := context.WithTimeout(parent, timeout)
	defer cancelTimeout()

	dataURI := "data:text/html;base64," + base64.StdEncoding.EncodeToString(html)
	var screenshot []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(width), int64(height)),
		chromedp.Navigate(dataURI),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(1500 * time.Millisecond),
		chromedp.FullScreenshot(&screenshot, 0),
	}
	if err := chromedp.Run(timeoutCtx, tasks...); err != nil {
		return nil, err
	}
	return screenshot, nil
}
