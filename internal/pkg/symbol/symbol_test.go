package symbol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	t.Run("Slash Separated", func(t *testing.T) {
		sym := Parse("btc/usdt")
		assert.Equal(t, "BTC", sym.Base)
		assert.Equal(t, "USDT", sym.Quote)
	})

	t.Run("Settle Suffix Stripped", func(t *testing.T) {
		sym := Parse("BTC/USDT:USDT")
		assert.Equal(t, "BTC", sym.Base)
		assert.Equal(t, "USDT", sym.Quote)
	})

	t.Run("Compact Quote Detection", func(t *testing.T) {
		assert.Equal(t, Symbol{Base: "ETH", Quote: "BTC"}, Parse("ethbtc"))
		assert.Equal(t, Symbol{Base: "BTC", Quote: "USDT"}, Parse("BTCUSDT"))
	})

	t.Run("Unknown Quote Yields Zero", func(t *testing.T) {
		assert.Equal(t, Symbol{}, Parse("FOOBAR"))
		assert.Equal(t, Symbol{}, Parse(""))
	})
}

func TestCanonical(t *testing.T) {
	assert.Equal(t, "BTCUSDT", Canonical(" btc/usdt "))
	assert.Equal(t, "BTCUSDT", Canonical("BTC-USDT"))
	assert.Equal(t, "BTCUSDT", Canonical("btcusdt"))
	assert.Equal(t, "ETHUSDT", Canonical("eth_usdt"))

	// 未知报价资产不拦截，退回大写原串。
	assert.Equal(t, "FOOBAR", Canonical("foobar"))
	assert.Equal(t, "", Canonical("  "))
}

func TestPair(t *testing.T) {
	assert.Equal(t, "BTC/USDT", Parse("BTCUSDT").Pair())
	assert.Equal(t, "", Symbol{}.Pair())
}
