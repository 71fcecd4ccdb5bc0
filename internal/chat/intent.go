package chat

import (
	"regexp"
	"strings"
)

// TradeIntent is what could be recovered from a free-text trade request.
// Every field may be empty.
type TradeIntent struct {
	Action string
	Amount string
	Asset  string
}

var (
	amountPattern = regexp.MustCompile(`\$?(\d+(?:\.\d+)?)`)
	wordPattern   = regexp.MustCompile(`[A-Za-z]+`)
)

var tradeActions = map[string]bool{
	"buy": true, "sell": true, "long": true, "short": true,
	"open": true, "close": true, "swap": true,
}

var knownAssets = map[string]bool{
	"AVAX": true, "USDC": true, "USDT": true, "BTC": true, "ETH": true,
	"WAVAX": true, "WBTC": true, "WETH": true,
}

// ParseTradeIntent extracts action, amount and asset from text on a best
// effort basis, e.g. "buy 10 AVAX" gives buy/10/AVAX.
func ParseTradeIntent(text string) TradeIntent {
	var intent TradeIntent

	for _, w := range wordPattern.FindAllString(text, -1) {
		lw := strings.ToLower(w)
		if intent.Action == "" && tradeActions[lw] {
			intent.Action = lw
		}
		if intent.Asset == "" && knownAssets[strings.ToUpper(w)] {
			intent.Asset = strings.ToUpper(w)
		}
	}

	loc := amountPattern.FindStringSubmatchIndex(text)
	if loc == nil {
		return intent
	}
	intent.Amount = text[loc[2]:loc[3]]

	// Fall back to the word right after the amount ("10 JOE").
	if intent.Asset == "" {
		rest := strings.Fields(text[loc[1]:])
		if len(rest) > 0 {
			w := strings.Trim(rest[0], ".,!?")
			if wordPattern.MatchString(w) && wordPattern.FindString(w) == w && len(w) <= 6 {
				intent.Asset = strings.ToUpper(w)
			}
		}
	}

	return intent
}
