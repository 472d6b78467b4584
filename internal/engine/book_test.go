package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBook() *Book {
	return NewBook(NewIDGen("book-test"))
}

func TestBook_SubmitValidation(t *testing.T) {
	b := newTestBook()

	t.Run("zero qty", func(t *testing.T) {
		_, err := b.Submit(Order{Symbol: "BTCUSDT", Side: Buy, Type: Market, Qty: 0})
		var be *OrderBookError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, BookErrBadQty, be.Code)
	})

	t.Run("negative qty", func(t *testing.T) {
		_, err := b.Submit(Order{Symbol: "BTCUSDT", Side: Sell, Type: Market, Qty: -3})
		var be *OrderBookError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, BookErrBadQty, be.Code)
	})

	t.Run("stop without trigger price", func(t *testing.T) {
		_, err := b.Submit(Order{Symbol: "BTCUSDT", Side: Buy, Type: Stop, Qty: 1})
		var be *OrderBookError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, BookErrBadOrder, be.Code)
	})

	t.Run("valid order gets id and pending state", func(t *testing.T) {
		o, err := b.Submit(Order{Symbol: "BTCUSDT", Side: Buy, Type: Limit, Qty: 2, Limit: 100})
		require.NoError(t, err)
		assert.NotEmpty(t, o.ID)
		assert.Equal(t, StatePending, o.State)
		assert.Equal(t, GTC, o.TIF)
	})
}

func TestBook_LifecycleOneWay(t *testing.T) {
	b := newTestBook()
	o, err := b.Submit(Order{Symbol: "ETHUSDT", Side: Buy, Type: Limit, Qty: 1, Limit: 2000})
	require.NoError(t, err)

	require.NoError(t, b.Cancel(o.ID))
	assert.Equal(t, StateCancelled, o.State)

	t.Run("cancel of cancelled is terminal error", func(t *testing.T) {
		err := b.Cancel(o.ID)
		require.Error(t, err)
		assert.True(t, IsTerminalOrder(err))
	})

	t.Run("amend of terminal order rejected", func(t *testing.T) {
		_, err := b.Amend(o.ID, Order{Qty: 2, Limit: 2100})
		require.Error(t, err)
		assert.True(t, IsTerminalOrder(err))
	})

	t.Run("cancel of unknown order", func(t *testing.T) {
		err := b.Cancel("ord-missing")
		var be *OrderBookError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, BookErrNotFound, be.Code)
		assert.False(t, IsTerminalOrder(err))
	})

	t.Run("filled order cannot be cancelled", func(t *testing.T) {
		o2, err := b.Submit(Order{Symbol: "ETHUSDT", Side: Buy, Type: Market, Qty: 1})
		require.NoError(t, err)
		b.markFilled(o2, 1)
		assert.Equal(t, StateFilled, o2.State)
		assert.True(t, IsTerminalOrder(b.Cancel(o2.ID)))
	})
}

func TestBook_MarketFillDirect(t *testing.T) {
	b := newTestBook()
	o, err := b.Submit(Order{Symbol: "BTCUSDT", Side: Buy, Type: Market, Qty: 2})
	require.NoError(t, err)

	// 市价单不经过 triggered，状态机必须放行 pending→filled 直达边。
	assert.True(t, canTransition(StatePending, StateFilled))
	require.False(t, b.markFilled(o, 1))
	assert.Equal(t, StatePending, o.State)
	require.True(t, b.markFilled(o, 1))
	assert.Equal(t, StateFilled, o.State)
}

func TestBook_OpenExitQty(t *testing.T) {
	b := newTestBook()
	exit, err := b.Submit(Order{Symbol: "BTCUSDT", Side: Sell, Type: Market, Qty: 8, Role: RoleExit, PositionID: "pos-7"})
	require.NoError(t, err)
	_, err = b.Submit(Order{Symbol: "BTCUSDT", Side: Sell, Type: Stop, Qty: 8, Stop: 95, Role: RoleStop, PositionID: "pos-7"})
	require.NoError(t, err)

	// 只计离场角色；部分成交后按剩余量计，终结后归零。
	assert.Equal(t, 8.0, b.OpenExitQty("pos-7"))
	require.False(t, b.markFilled(exit, 3))
	assert.Equal(t, 5.0, b.OpenExitQty("pos-7"))
	require.True(t, b.markFilled(exit, 5))
	assert.Equal(t, 0.0, b.OpenExitQty("pos-7"))
	assert.Equal(t, 0.0, b.OpenExitQty("pos-unknown"))
}

func TestBook_OCO(t *testing.T) {
	t.Run("filling one leg cancels siblings in the same phase", func(t *testing.T) {
		b := newTestBook()
		legs, err := b.SubmitOCO([]Order{
			{Symbol: "BTCUSDT", Side: Sell, Type: Stop, Qty: 5, Stop: 95, Role: RoleStop},
			{Symbol: "BTCUSDT", Side: Sell, Type: Limit, Qty: 5, Limit: 110, Role: RoleTarget},
		})
		require.NoError(t, err)
		require.Len(t, legs, 2)
		assert.Equal(t, legs[0].OCOGroup, legs[1].OCOGroup)

		b.markFilled(legs[0], 5)
		assert.Equal(t, StateFilled, legs[0].State)
		assert.Equal(t, StateCancelled, legs[1].State)
	})

	t.Run("cancelling one leg cancels siblings", func(t *testing.T) {
		b := newTestBook()
		legs, err := b.SubmitOCO([]Order{
			{Symbol: "BTCUSDT", Side: Sell, Type: Stop, Qty: 5, Stop: 95},
			{Symbol: "BTCUSDT", Side: Sell, Type: Limit, Qty: 5, Limit: 110},
		})
		require.NoError(t, err)
		require.NoError(t, b.Cancel(legs[1].ID))
		assert.Equal(t, StateCancelled, legs[0].State)
		// 兄弟腿已被连带取消，再取消是终态错误，调用方视作成功。
		assert.True(t, IsTerminalOrder(b.Cancel(legs[0].ID)))
	})

	t.Run("legs with signed quantities summing to zero rejected", func(t *testing.T) {
		b := newTestBook()
		_, err := b.SubmitOCO([]Order{
			{Symbol: "BTCUSDT", Side: Buy, Type: Stop, Qty: 5, Stop: 105},
			{Symbol: "BTCUSDT", Side: Sell, Type: Stop, Qty: 5, Stop: 95},
		})
		var be *OrderBookError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, BookErrOCOConflict, be.Code)
	})

	t.Run("single leg rejected", func(t *testing.T) {
		b := newTestBook()
		_, err := b.SubmitOCO([]Order{{Symbol: "BTCUSDT", Side: Sell, Type: Stop, Qty: 5, Stop: 95}})
		var be *OrderBookError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, BookErrOCOConflict, be.Code)
	})
}

func TestBook_Bracket(t *testing.T) {
	b := newTestBook()
	br, err := b.SubmitBracket(
		Order{Symbol: "BTCUSDT", Side: Buy, Type: Market, Qty: 2, AtOpen: true, Role: RoleEntry, ActiveBar: 1},
		Order{Symbol: "BTCUSDT", Side: Sell, Type: Stop, Qty: 2, Stop: 95, Role: RoleStop, ActiveBar: 1},
		&Order{Symbol: "BTCUSDT", Side: Sell, Type: Limit, Qty: 2, Limit: 120, Role: RoleTarget, ActiveBar: 1},
	)
	require.NoError(t, err)

	entry, _ := b.Get(br.EntryID)
	stop, _ := b.Get(br.StopID)
	target, _ := b.Get(br.TargetID)
	require.NotNil(t, entry)
	require.NotNil(t, stop)
	require.NotNil(t, target)
	assert.Equal(t, entry.ID, stop.ParentID)
	assert.Equal(t, stop.OCOGroup, target.OCOGroup)

	t.Run("children dormant until entry fills", func(t *testing.T) {
		eligible := b.Eligible("BTCUSDT", 1)
		ids := make([]string, 0, len(eligible))
		for _, o := range eligible {
			ids = append(ids, o.ID)
		}
		assert.Equal(t, []string{entry.ID}, ids)
	})

	t.Run("entry fill activates children", func(t *testing.T) {
		b.markFilled(entry, 2)
		eligible := b.Eligible("BTCUSDT", 1)
		assert.Len(t, eligible, 2)
	})

	t.Run("same side protective leg rejected", func(t *testing.T) {
		_, err := b.SubmitBracket(
			Order{Symbol: "BTCUSDT", Side: Buy, Type: Market, Qty: 1},
			Order{Symbol: "BTCUSDT", Side: Buy, Type: Stop, Qty: 1, Stop: 90},
			nil,
		)
		var be *OrderBookError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, BookErrOCOConflict, be.Code)
	})
}

func TestBook_BracketParentDeath(t *testing.T) {
	b := newTestBook()
	br, err := b.SubmitBracket(
		Order{Symbol: "BTCUSDT", Side: Buy, Type: Stop, Qty: 1, Stop: 105, TIF: Day, Role: RoleEntry},
		Order{Symbol: "BTCUSDT", Side: Sell, Type: Stop, Qty: 1, Stop: 95, Role: RoleStop},
		nil,
	)
	require.NoError(t, err)
	require.NoError(t, b.Cancel(br.EntryID))

	stop, _ := b.Get(br.StopID)
	assert.Equal(t, StateCancelled, stop.State)
}

func TestBook_AmendIsCancelPlusResubmit(t *testing.T) {
	b := newTestBook()
	legs, err := b.SubmitOCO([]Order{
		{Symbol: "BTCUSDT", Side: Sell, Type: Stop, Qty: 3, Stop: 95, Role: RoleStop, PositionID: "pos-1"},
		{Symbol: "BTCUSDT", Side: Sell, Type: Limit, Qty: 3, Limit: 120, Role: RoleTarget, PositionID: "pos-1"},
	})
	require.NoError(t, err)
	old := legs[0]

	replaced, err := b.Amend(old.ID, Order{Qty: 3, Stop: 97})
	require.NoError(t, err)

	assert.NotEqual(t, old.ID, replaced.ID)
	assert.Equal(t, StateCancelled, old.State)
	assert.Equal(t, StatePending, replaced.State)
	assert.Equal(t, 97.0, replaced.Stop)
	assert.Equal(t, old.OCOGroup, replaced.OCOGroup)
	assert.Equal(t, RoleStop, replaced.Role)
	assert.Equal(t, "pos-1", replaced.PositionID)

	// 改单是组内替换，兄弟腿不能被当成腿终结清扫掉。
	sibling := legs[1]
	assert.Equal(t, StatePending, sibling.State)

	// 替换后的组关系仍然生效：新腿成交要清扫兄弟腿。
	b.markFilled(replaced, 3)
	assert.Equal(t, StateCancelled, sibling.State)

	t.Run("cross symbol amend rejected", func(t *testing.T) {
		o, err := b.Submit(Order{Symbol: "BTCUSDT", Side: Buy, Type: Limit, Qty: 1, Limit: 90})
		require.NoError(t, err)
		_, err = b.Amend(o.ID, Order{Symbol: "ETHUSDT", Qty: 1, Limit: 95})
		var be *OrderBookError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, BookErrBadOrder, be.Code)
	})
}

func TestBook_ExpireDay(t *testing.T) {
	b := newTestBook()
	day, err := b.Submit(Order{Symbol: "BTCUSDT", Side: Buy, Type: Stop, Qty: 1, Stop: 110, TIF: Day, ActiveBar: 3})
	require.NoError(t, err)
	gtc, err := b.Submit(Order{Symbol: "BTCUSDT", Side: Buy, Type: Stop, Qty: 1, Stop: 112, TIF: GTC, ActiveBar: 3})
	require.NoError(t, err)

	// 激活相位之前不过期。
	assert.Empty(t, b.ExpireDay(2))
	assert.Equal(t, StatePending, day.State)

	expired := b.ExpireDay(3)
	assert.Equal(t, []string{day.ID}, expired)
	assert.Equal(t, StateExpired, day.State)
	assert.Equal(t, StatePending, gtc.State)
}

func TestBook_CancelPosition(t *testing.T) {
	b := newTestBook()
	_, err := b.Submit(Order{Symbol: "BTCUSDT", Side: Sell, Type: Stop, Qty: 1, Stop: 95, Role: RoleStop, PositionID: "pos-9"})
	require.NoError(t, err)
	_, err = b.Submit(Order{Symbol: "BTCUSDT", Side: Sell, Type: Limit, Qty: 1, Limit: 130, Role: RoleTarget, PositionID: "pos-9"})
	require.NoError(t, err)
	_, err = b.Submit(Order{Symbol: "BTCUSDT", Side: Buy, Type: Limit, Qty: 1, Limit: 80})
	require.NoError(t, err)

	assert.Equal(t, 2, b.CancelPosition("pos-9"))
	assert.Nil(t, b.OpenProtective("pos-9", RoleStop))
}
