package engine

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"barwalk/internal/analysis/indicator"
	"barwalk/internal/market"
)

func testBar(o, h, l, c, vol float64) market.Candle {
	return market.Candle{
		OpenTime:  1_700_000_000_000,
		CloseTime: 1_700_000_059_999,
		Open:      o, High: h, Low: l, Close: c,
		Volume: vol,
	}
}

type fillFixture struct {
	book *Book
	eng  *FillEngine
	diag *Diagnostics
}

func newFillFixture(mod func(*Preset)) *fillFixture {
	preset := DefaultPreset()
	if mod != nil {
		mod(&preset)
	}
	ids := NewIDGen("fill-test")
	diag := &Diagnostics{}
	return &fillFixture{
		book: NewBook(ids),
		eng:  NewFillEngine(preset, ids, diag),
		diag: diag,
	}
}

var noInd = indicator.Snapshot{}

func TestFillEngine_GapThroughStop(t *testing.T) {
	t.Run("sell stop gapped through fills at open", func(t *testing.T) {
		fx := newFillFixture(nil)
		_, err := fx.book.Submit(Order{Symbol: "BTCUSDT", Side: Sell, Type: Stop, Qty: 1, Stop: 100, Role: RoleStop})
		require.NoError(t, err)

		fills, err := fx.eng.Intrabar(fx.book, "BTCUSDT", testBar(90, 95, 88, 92, 1000), 0, noInd)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, 90.0, fills[0].Price)
		assert.True(t, fills[0].Gapped)
	})

	t.Run("buy stop gapped through fills at open", func(t *testing.T) {
		fx := newFillFixture(nil)
		_, err := fx.book.Submit(Order{Symbol: "BTCUSDT", Side: Buy, Type: Stop, Qty: 1, Stop: 100})
		require.NoError(t, err)

		fills, err := fx.eng.Intrabar(fx.book, "BTCUSDT", testBar(108, 112, 107, 110, 1000), 0, noInd)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, 108.0, fills[0].Price)
		assert.True(t, fills[0].Gapped)
	})

	t.Run("touched stop fills at trigger price", func(t *testing.T) {
		fx := newFillFixture(nil)
		_, err := fx.book.Submit(Order{Symbol: "BTCUSDT", Side: Sell, Type: Stop, Qty: 1, Stop: 100})
		require.NoError(t, err)

		fills, err := fx.eng.Intrabar(fx.book, "BTCUSDT", testBar(105, 106, 99, 103, 1000), 0, noInd)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, 100.0, fills[0].Price)
		assert.False(t, fills[0].Gapped)
	})

	t.Run("untouched stop stays pending", func(t *testing.T) {
		fx := newFillFixture(nil)
		o, err := fx.book.Submit(Order{Symbol: "BTCUSDT", Side: Sell, Type: Stop, Qty: 1, Stop: 100})
		require.NoError(t, err)

		fills, err := fx.eng.Intrabar(fx.book, "BTCUSDT", testBar(105, 108, 101, 107, 1000), 0, noInd)
		require.NoError(t, err)
		assert.Empty(t, fills)
		assert.Equal(t, StatePending, o.State)
	})
}

func TestFillEngine_LimitGapBetterPrice(t *testing.T) {
	fx := newFillFixture(nil)
	_, err := fx.book.Submit(Order{Symbol: "BTCUSDT", Side: Buy, Type: Limit, Qty: 1, Limit: 100})
	require.NoError(t, err)

	fills, err := fx.eng.Intrabar(fx.book, "BTCUSDT", testBar(95, 99, 94, 98, 1000), 0, noInd)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, 95.0, fills[0].Price)
}

// 多空两腿同根触达时的先后推断。多头 bracket：止损 95、止盈 110，
// K 线同时扫过两个价位。
func TestFillEngine_PathPolicies(t *testing.T) {
	bar := testBar(100, 111, 94, 105, 1000)

	submit := func(fx *fillFixture) (stop, target *Order) {
		legs, err := fx.book.SubmitOCO([]Order{
			{Symbol: "BTCUSDT", Side: Sell, Type: Stop, Qty: 2, Stop: 95, Role: RoleStop},
			{Symbol: "BTCUSDT", Side: Sell, Type: Limit, Qty: 2, Limit: 110, Role: RoleTarget},
		})
		require.NoError(t, err)
		return legs[0], legs[1]
	}

	t.Run("best case fills the target", func(t *testing.T) {
		fx := newFillFixture(func(p *Preset) { p.Path = PathBestCase })
		stop, target := submit(fx)
		fills, err := fx.eng.Intrabar(fx.book, "BTCUSDT", bar, 0, noInd)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, target.OCOGroup, stop.OCOGroup)
		assert.Equal(t, 110.0, fills[0].Price)
		assert.Equal(t, StateFilled, target.State)
		assert.Equal(t, StateCancelled, stop.State)
	})

	t.Run("worst case fills the stop", func(t *testing.T) {
		fx := newFillFixture(func(p *Preset) { p.Path = PathWorstCase })
		stop, target := submit(fx)
		fills, err := fx.eng.Intrabar(fx.book, "BTCUSDT", bar, 0, noInd)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, 95.0, fills[0].Price)
		assert.Equal(t, StateFilled, stop.State)
		assert.Equal(t, StateCancelled, target.State)
	})

	t.Run("deterministic stops first", func(t *testing.T) {
		fx := newFillFixture(func(p *Preset) { p.Path = PathDeterministic; p.StopsFirst = true })
		stop, _ := submit(fx)
		fills, err := fx.eng.Intrabar(fx.book, "BTCUSDT", bar, 0, noInd)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, StateFilled, stop.State)
	})

	t.Run("deterministic limits first", func(t *testing.T) {
		fx := newFillFixture(func(p *Preset) { p.Path = PathDeterministic; p.StopsFirst = false })
		_, target := submit(fx)
		fills, err := fx.eng.Intrabar(fx.book, "BTCUSDT", bar, 0, noInd)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, StateFilled, target.State)
	})

	t.Run("price order picks the trigger nearer the open", func(t *testing.T) {
		// 止损距开盘 5，止盈距开盘 10，止损先触达。
		fx := newFillFixture(func(p *Preset) { p.Path = PathPriceOrder })
		stop, target := submit(fx)
		fills, err := fx.eng.Intrabar(fx.book, "BTCUSDT", bar, 0, noInd)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, StateFilled, stop.State)
		assert.Equal(t, StateCancelled, target.State)
	})

	t.Run("price order with nearer target", func(t *testing.T) {
		fx := newFillFixture(func(p *Preset) { p.Path = PathPriceOrder })
		legs, err := fx.book.SubmitOCO([]Order{
			{Symbol: "BTCUSDT", Side: Sell, Type: Stop, Qty: 2, Stop: 89, Role: RoleStop},
			{Symbol: "BTCUSDT", Side: Sell, Type: Limit, Qty: 2, Limit: 104, Role: RoleTarget},
		})
		require.NoError(t, err)
		fills, err := fx.eng.Intrabar(fx.book, "BTCUSDT", testBar(100, 111, 88, 105, 1000), 0, noInd)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, StateFilled, legs[1].State)
		assert.Equal(t, StateCancelled, legs[0].State)
	})
}

func TestFillEngine_LiquidityCap(t *testing.T) {
	bar := testBar(100, 101, 94, 96, 50_000)

	t.Run("fill capped at volume fraction", func(t *testing.T) {
		fx := newFillFixture(func(p *Preset) { p.MaxVolumeFrac = 0.10 })
		o, err := fx.book.Submit(Order{Symbol: "BTCUSDT", Side: Sell, Type: Stop, Qty: 10_000, Stop: 95})
		require.NoError(t, err)

		fills, err := fx.eng.Intrabar(fx.book, "BTCUSDT", bar, 0, noInd)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, 5_000.0, fills[0].Qty)
		assert.True(t, fills[0].Partial)
		// cancel 策略：余量作废，订单按已成交终结。
		assert.Equal(t, StateFilled, o.State)
		assert.Equal(t, 1, fx.diag.RemainderCancelled)
	})

	t.Run("requeue keeps remainder as a new order", func(t *testing.T) {
		fx := newFillFixture(func(p *Preset) {
			p.MaxVolumeFrac = 0.10
			p.Remainder = RemainderRequeue
		})
		o, err := fx.book.Submit(Order{Symbol: "BTCUSDT", Side: Sell, Type: Stop, Qty: 10_000, Stop: 95})
		require.NoError(t, err)

		fills, err := fx.eng.Intrabar(fx.book, "BTCUSDT", bar, 0, noInd)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, StateFilled, o.State)

		var requeued *Order
		for _, cand := range fx.book.OrdersBySymbol("BTCUSDT") {
			if cand.State == StatePending {
				requeued = cand
			}
		}
		require.NotNil(t, requeued)
		assert.NotEqual(t, o.ID, requeued.ID)
		assert.Equal(t, 5_000.0, requeued.Qty)
		assert.Equal(t, 1, fx.diag.RemainderRequeued)
	})

	t.Run("next bar carries the remainder on the same order", func(t *testing.T) {
		fx := newFillFixture(func(p *Preset) {
			p.MaxVolumeFrac = 0.10
			p.Remainder = RemainderNextBar
		})
		o, err := fx.book.Submit(Order{Symbol: "BTCUSDT", Side: Sell, Type: Stop, Qty: 10_000, Stop: 95})
		require.NoError(t, err)

		fills, err := fx.eng.Intrabar(fx.book, "BTCUSDT", bar, 0, noInd)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, StatePending, o.State)
		assert.Equal(t, 5_000.0, o.FilledQty)

		// 新 K 线重置预算后吃掉余量。
		fx.eng.ResetBar()
		fills, err = fx.eng.Intrabar(fx.book, "BTCUSDT", bar, 1, noInd)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, 5_000.0, fills[0].Qty)
		assert.False(t, fills[0].Partial)
		assert.Equal(t, StateFilled, o.State)
	})
}

func TestFillEngine_Slippage(t *testing.T) {
	t.Run("fixed bps is adverse on both sides", func(t *testing.T) {
		fx := newFillFixture(func(p *Preset) { p.Slippage = FixedSlippage{Bps: 10} })
		_, err := fx.book.Submit(Order{Symbol: "BTCUSDT", Side: Buy, Type: Market, Qty: 1, AtOpen: true})
		require.NoError(t, err)
		_, err = fx.book.Submit(Order{Symbol: "BTCUSDT", Side: Sell, Type: Market, Qty: 1, AtOpen: true})
		require.NoError(t, err)

		fills, err := fx.eng.StartOfBar(fx.book, "BTCUSDT", testBar(100, 101, 99, 100, 1000), 0, noInd)
		require.NoError(t, err)
		require.Len(t, fills, 2)
		for _, f := range fills {
			if f.Side == Buy {
				assert.InDelta(t, 100.1, f.Price, 1e-9)
			} else {
				assert.InDelta(t, 99.9, f.Price, 1e-9)
			}
			assert.InDelta(t, 0.1, f.Slippage, 1e-9)
		}
	})

	t.Run("atr slippage reads the snapshot", func(t *testing.T) {
		candles := make([]market.Candle, 8)
		for i := range candles {
			candles[i] = market.Candle{
				OpenTime:  int64(i+1) * 60_000,
				CloseTime: int64(i+2)*60_000 - 1,
				Open:      100, High: 101, Low: 99, Close: 100,
				Volume: 1000,
			}
		}
		set, err := indicator.Compute(candles, []indicator.Spec{{Name: "atr_2", Kind: "atr", Period: 2}})
		require.NoError(t, err)

		fx := newFillFixture(func(p *Preset) { p.Slippage = ATRSlippage{Mult: 0.5, Key: "atr_2"} })
		_, err = fx.book.Submit(Order{Symbol: "BTCUSDT", Side: Buy, Type: Market, Qty: 1, AtOpen: true})
		require.NoError(t, err)

		fills, err := fx.eng.StartOfBar(fx.book, "BTCUSDT", candles[5], 5, set.At(5))
		require.NoError(t, err)
		require.Len(t, fills, 1)
		// ATR(2) 在恒定波幅 2 的序列上收敛为 2，滑点 0.5×2=1。
		assert.InDelta(t, 101.0, fills[0].Price, 1e-9)
	})

	t.Run("nan atr during warmup adds no slippage", func(t *testing.T) {
		model := ATRSlippage{Mult: 0.5, Key: "atr_2"}
		assert.Equal(t, 100.0, model.Adjust(Buy, 100, noInd))
	})
}

func TestFillEngine_Filters(t *testing.T) {
	t.Run("price and qty quantized", func(t *testing.T) {
		fx := newFillFixture(func(p *Preset) {
			p.Filters = Filters{TickSize: 0.5, LotStep: 1}
		})
		_, err := fx.book.Submit(Order{Symbol: "BTCUSDT", Side: Sell, Type: Stop, Qty: 2.7, Stop: 95.3})
		require.NoError(t, err)

		fills, err := fx.eng.Intrabar(fx.book, "BTCUSDT", testBar(100, 101, 94, 96, 1000), 0, noInd)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, 95.5, fills[0].Price)
		assert.Equal(t, 2.0, fills[0].Qty)
	})

	t.Run("below min notional cancels the order", func(t *testing.T) {
		fx := newFillFixture(func(p *Preset) {
			p.Filters = Filters{MinNotional: 100}
		})
		o, err := fx.book.Submit(Order{Symbol: "BTCUSDT", Side: Sell, Type: Stop, Qty: 0.5, Stop: 95})
		require.NoError(t, err)

		fills, err := fx.eng.Intrabar(fx.book, "BTCUSDT", testBar(100, 101, 94, 96, 1000), 0, noInd)
		require.NoError(t, err)
		assert.Empty(t, fills)
		assert.Equal(t, StateCancelled, o.State)
		assert.Equal(t, 1, fx.diag.FilterRejected)
	})
}

func TestFillEngine_MarketOnOpenAndClose(t *testing.T) {
	fx := newFillFixture(nil)
	moo, err := fx.book.Submit(Order{Symbol: "BTCUSDT", Side: Buy, Type: Market, Qty: 1, AtOpen: true})
	require.NoError(t, err)
	moc, err := fx.book.Submit(Order{Symbol: "BTCUSDT", Side: Sell, Type: Market, Qty: 1, AtClose: true})
	require.NoError(t, err)

	bar := testBar(100, 104, 99, 103, 1000)
	open, err := fx.eng.StartOfBar(fx.book, "BTCUSDT", bar, 0, noInd)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, moo.ID, open[0].OrderID)
	assert.Equal(t, 100.0, open[0].Price)
	assert.Equal(t, bar.OpenTime, open[0].Time)

	closeFills, err := fx.eng.EndOfBar(fx.book, "BTCUSDT", bar, 0, noInd)
	require.NoError(t, err)
	require.Len(t, closeFills, 1)
	assert.Equal(t, moc.ID, closeFills[0].OrderID)
	assert.Equal(t, 103.0, closeFills[0].Price)
	assert.Equal(t, bar.CloseTime, closeFills[0].Time)
}

func TestFillEngine_StopLimit(t *testing.T) {
	t.Run("fills when trigger within limit", func(t *testing.T) {
		fx := newFillFixture(nil)
		_, err := fx.book.Submit(Order{Symbol: "BTCUSDT", Side: Buy, Type: StopLimit, Qty: 1, Stop: 105, Limit: 106})
		require.NoError(t, err)

		fills, err := fx.eng.Intrabar(fx.book, "BTCUSDT", testBar(100, 107, 99, 106, 1000), 0, noInd)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, 105.0, fills[0].Price)
	})

	t.Run("stays pending when limit unsatisfiable", func(t *testing.T) {
		fx := newFillFixture(nil)
		o, err := fx.book.Submit(Order{Symbol: "BTCUSDT", Side: Buy, Type: StopLimit, Qty: 1, Stop: 105, Limit: 104})
		require.NoError(t, err)

		fills, err := fx.eng.Intrabar(fx.book, "BTCUSDT", testBar(100, 107, 99, 106, 1000), 0, noInd)
		require.NoError(t, err)
		assert.Empty(t, fills)
		assert.Equal(t, StatePending, o.State)
	})

	t.Run("gap beyond both stop and limit stays pending", func(t *testing.T) {
		fx := newFillFixture(nil)
		o, err := fx.book.Submit(Order{Symbol: "BTCUSDT", Side: Buy, Type: StopLimit, Qty: 1, Stop: 105, Limit: 106})
		require.NoError(t, err)

		// 开盘 108 同时越过触发价与限价：不成交也不记触发。
		fills, err := fx.eng.Intrabar(fx.book, "BTCUSDT", testBar(108, 112, 107, 110, 1000), 0, noInd)
		require.NoError(t, err)
		assert.Empty(t, fills)
		assert.Equal(t, StatePending, o.State)

		// 回落到限价以内后继续参与撮合。
		fills, err = fx.eng.Intrabar(fx.book, "BTCUSDT", testBar(104, 107, 103, 105, 1000), 1, noInd)
		require.NoError(t, err)
		require.Len(t, fills, 1)
		assert.Equal(t, 105.0, fills[0].Price)
		assert.Equal(t, StateFilled, o.State)
	})
}

func TestFillEngine_NonFiniteFillPriceFatal(t *testing.T) {
	fx := newFillFixture(func(p *Preset) { p.Slippage = FixedSlippage{Offset: math.Inf(1)} })
	_, err := fx.book.Submit(Order{Symbol: "BTCUSDT", Side: Buy, Type: Market, Qty: 1, AtOpen: true})
	require.NoError(t, err)

	_, err = fx.eng.StartOfBar(fx.book, "BTCUSDT", testBar(100, 101, 99, 100, 1000), 0, noInd)
	var de *DataError
	require.ErrorAs(t, err, &de)
}

func TestFillEngine_ForceClose(t *testing.T) {
	fx := newFillFixture(func(p *Preset) {
		p.Commission = RateCommission{Bps: 10}
		// 强平必须全量成交，流动性预算不适用。
		p.MaxVolumeFrac = 0.01
	})
	pos := Position{ID: "pos-x", Symbol: "BTCUSDT", Qty: 10_000, AvgEntry: 90}
	f, err := fx.eng.ForceClose(pos, testBar(100, 101, 99, 100, 50_000), 9, noInd)
	require.NoError(t, err)
	assert.Equal(t, Sell, f.Side)
	assert.Equal(t, 10_000.0, f.Qty)
	assert.Equal(t, 100.0, f.Price)
	assert.Equal(t, "force_close", f.Tag)
	assert.InDelta(t, 1000.0, f.Commission, 1e-9)
}
