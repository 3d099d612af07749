package crypto

import (
	"strconv"
	"strings"
	"testing"
)

func TestBinanceSignatureKnownVector(t *testing.T) {
	// Example from the Binance signed-endpoint documentation.
	auth := &HMACAuth{
		Key:    "vmPUZE6mv9SD5VNHk4HlWFsOr6aKE2zvsw0MuIgwCIPy6utIco14y7Ju91duEh8A",
		Secret: "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j",
	}
	query := "symbol=LTCBTC&side=BUY&type=LIMIT&timeInForce=GTC&quantity=1&price=0.1&recvWindow=5000&timestamp=1499827319559"

	got := auth.BinanceSignature(query)
	want := "c8db56825ae71d6d79447849e617115f4a920fa2acdcab2b053c4b2838bd6b71"
	if got != want {
		t.Errorf("signature = %s, want %s", got, want)
	}
}

func TestBinanceSignatureDeterministic(t *testing.T) {
	auth := &HMACAuth{Key: "k", Secret: "s"}
	a := auth.BinanceSignature("timestamp=1")
	b := auth.BinanceSignature("timestamp=1")
	if a != b {
		t.Error("same input must produce the same signature")
	}
	if a == auth.BinanceSignature("timestamp=2") {
		t.Error("different input must produce a different signature")
	}
}

func TestKrakenSignatureKnownVector(t *testing.T) {
	// Example from the Kraken REST authentication documentation.
	auth := &HMACAuth{
		Key:    "key",
		Secret: "kQH5HW/8p1uGOVjbgWA7FunAmGO8lsSUXNsu3eow76sz84Q18fWxnyRzBHCd3pd5nE9qa99HAZtuZuj6F1huXg==",
	}
	sig, err := auth.KrakenSignature(
		"/0/private/AddOrder",
		"1616492376594",
		"nonce=1616492376594&ordertype=limit&pair=XBTUSD&price=37500&type=buy&volume=1.25",
	)
	if err != nil {
		t.Fatalf("KrakenSignature: %v", err)
	}
	want := "4/dpxb3iT4tp/ZCVEwSnEsLxx0bqyhLpdfOpc6fn7OR8+UClSV5n9E6aSS8MPtnRfp32bAb0nmbRn6H8ndwLUQ=="
	if sig != want {
		t.Errorf("signature = %s, want %s", sig, want)
	}
}

func TestKrakenSignatureBadSecret(t *testing.T) {
	auth := &HMACAuth{Key: "key", Secret: "not base64!!!"}
	if _, err := auth.KrakenSignature("/0/private/Balance", "1", "nonce=1"); err == nil {
		t.Error("expected error for undecodable secret")
	}
}

func TestKrakenNonceIncreases(t *testing.T) {
	a, _ := strconv.ParseInt(KrakenNonce(), 10, 64)
	if a <= 0 {
		t.Fatal("nonce not positive")
	}
	b, _ := strconv.ParseInt(KrakenNonce(), 10, 64)
	if b < a {
		t.Errorf("nonce went backwards: %d then %d", a, b)
	}
}

func TestStringRedactsSecrets(t *testing.T) {
	auth := &HMACAuth{Key: "abcdef123456", Secret: "supersecretvalue"}
	s := auth.String()
	if strings.Contains(s, "supersecretvalue") || strings.Contains(s, "abcdef123456") {
		t.Errorf("String leaked credentials: %s", s)
	}
	if !strings.Contains(s, "abcd****") {
		t.Errorf("String should keep a 4-char prefix: %s", s)
	}

	short := &HMACAuth{Key: "ab", Secret: "cd"}
	if strings.Contains(short.String(), "ab") && !strings.Contains(short.String(), "****") {
		t.Errorf("short credentials not fully masked: %s", short.String())
	}
}

func TestKrakenNonceMillis(t *testing.T) {
	n, err := strconv.ParseInt(KrakenNonce(), 10, 64)
	if err != nil {
		t.Fatalf("nonce not numeric: %v", err)
	}
	// Sanity bound: after 2020, before 2100, in milliseconds.
	if n < 1_577_836_800_000 || n > 4_102_444_800_000 {
		t.Errorf("nonce %d not in millisecond epoch range", n)
	}
}

func BenchmarkBinanceSignature(b *testing.B) {
	auth := &HMACAuth{Secret: "NhqPtmdSJYdKjVHjA7PZj4Mge3R5YNiP1e3UZjInClVN65XAbvqqM6A7H5fATj0j"}
	query := "symbol=BTCUSDT&timestamp=1499827319559"
	for i := 0; i < b.N; i++ {
		auth.BinanceSignature(query)
	}
}
