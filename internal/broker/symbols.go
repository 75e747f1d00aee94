// symbols.go is the only place broker-specific symbol spellings exist.
// Internally every symbol is canonical ("BTCUSD", "AAPL"); the broker wants
// crypto pairs with a slash ("BTC/USD") and equities plain.
package broker

import (
	"strings"

	"alpaca-scalper/pkg/types"
)

// quoteCurrencies are the crypto quote legs the broker supports, ordered so
// longer suffixes match first.
var quoteCurrencies = []string{"USDT", "USDC", "USD", "BTC"}

// BrokerSymbol converts a canonical symbol to the broker-required form for
// the given market mode. Equities pass through unchanged. Crypto pairs get
// the slash reinserted before the quote currency: "BTCUSD" → "BTC/USD".
// A canonical crypto symbol with no recognizable quote leg passes through
// unchanged and is left for the broker to reject.
func BrokerSymbol(canonical string, mode types.MarketMode) string {
	if mode != types.ModeCrypto {
		return canonical
	}
	if strings.Contains(canonical, "/") {
		return canonical
	}
	for _, quote := range quoteCurrencies {
		if strings.HasSuffix(canonical, quote) && len(canonical) > len(quote) {
			base := canonical[:len(canonical)-len(quote)]
			return base + "/" + quote
		}
	}
	return canonical
}

// CanonicalFromBroker maps a broker-form symbol back to canonical form.
func CanonicalFromBroker(s string) string {
	return types.CanonicalSymbol(s)
}

// LooksCrypto reports whether a canonical symbol parses as a crypto pair,
// i.e. it carries a recognizable quote leg. Used to split mixed position
// lists by market mode.
func LooksCrypto(canonical string) bool {
	return BrokerSymbol(canonical, types.ModeCrypto) != canonical
}
