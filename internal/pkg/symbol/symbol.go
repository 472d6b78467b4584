package symbol

import (
	"strings"
)

// 报价资产按长度降序排列，保证 USDT 先于 BTC 匹配。
var quoteAssets = []string{"FDUSD", "USDT", "BUSD", "USDC", "TUSD", "BTC", "ETH", "BNB"}

type Symbol struct {
	Base  string
	Quote string
}

// Canonical 返回存储与接口使用的紧凑大写形式，如 BTCUSDT。
func (s Symbol) Canonical() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + s.Quote
}

// Pair 返回带分隔符的展示形式，如 BTC/USDT。
func (s Symbol) Pair() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + "/" + s.Quote
}

// Parse 接受 BTC/USDT、btc-usdt、BTCUSDT 等写法，拆出 base 与 quote。
// 带结算后缀的写法（BTC/USDT:USDT）会先去掉后缀。拆不出来时返回零值。
func Parse(s string) Symbol {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Symbol{}
	}

	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}

	for _, sep := range []string{"/", "-", "_"} {
		if parts := strings.SplitN(s, sep, 2); len(parts) == 2 {
			return Symbol{
				Base:  strings.TrimSpace(parts[0]),
				Quote: strings.TrimSpace(parts[1]),
			}
		}
	}

	for _, quote := range quoteAssets {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			return Symbol{
				Base:  s[:len(s)-len(quote)],
				Quote: quote,
			}
		}
	}

	return Symbol{}
}

// Canonical 把任意写法的交易对归一成紧凑大写形式。解析不出 base/quote
// 的输入退回裸的大写原串，不拦截未知报价资产。
func Canonical(s string) string {
	if sym := Parse(s); sym.Base != "" {
		return sym.Canonical()
	}
	return strings.ToUpper(strings.TrimSpace(s))
}
