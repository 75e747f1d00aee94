package types

import "testing"

func TestCanonicalSymbol(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"BTC/USD", "BTCUSD"},
		{"btc/usd", "BTCUSD"},
		{"ETH-USD", "ETHUSD"},
		{"AAPL", "AAPL"},
		{" msft ", "MSFT"},
	}

	for _, tt := range tests {
		if got := CanonicalSymbol(tt.in); got != tt.want {
			t.Errorf("CanonicalSymbol(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestOrderStateTerminal(t *testing.T) {
	t.Parallel()

	terminal := []OrderState{OrderFilled, OrderCancelled, OrderRejected, OrderExpired}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}

	live := []OrderState{OrderNew, OrderPendingNew, OrderAccepted, OrderPartiallyFilled}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestParseMarketMode(t *testing.T) {
	t.Parallel()

	if m, ok := ParseMarketMode("crypto"); !ok || m != ModeCrypto {
		t.Errorf("ParseMarketMode(crypto) = %v, %v", m, ok)
	}
	if m, ok := ParseMarketMode("stocks"); !ok || m != ModeEquities {
		t.Errorf("ParseMarketMode(stocks) = %v, %v", m, ok)
	}
	if _, ok := ParseMarketMode("forex"); ok {
		t.Error("ParseMarketMode(forex) should fail")
	}
}

func TestSideOpposite(t *testing.T) {
	t.Parallel()

	if Buy.Opposite() != Sell || Sell.Opposite() != Buy {
		t.Error("Opposite() is not an involution on {buy, sell}")
	}
}
