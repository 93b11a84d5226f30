package model

import (
	"math"
	"testing"
)

func TestRoutingKey_String(t *testing.T) {
	k := RoutingKey{Segment: SegmentDerivatives, Token: 35001}
	if got := k.String(); got != "NSE_FO-35001" {
		t.Errorf("expected NSE_FO-35001, got %s", got)
	}
}

func TestParseRoutingKey(t *testing.T) {
	k, ok := ParseRoutingKey("MCX_FO-234230")
	if !ok {
		t.Fatal("expected MCX_FO-234230 to parse")
	}
	if k.Segment != SegmentCommodity || k.Token != 234230 {
		t.Errorf("unexpected key %+v", k)
	}

	for _, bad := range []string{"", "NSE_EQ", "NSE_EQ-", "-12", "BSE_EQ-12", "NSE_EQ-abc"} {
		if _, ok := ParseRoutingKey(bad); ok {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestSegmentCodes(t *testing.T) {
	for _, seg := range []Segment{SegmentEquity, SegmentDerivatives, SegmentCurrency, SegmentCommodity} {
		back, ok := SegmentFromCode(seg.Code())
		if !ok || back != seg {
			t.Errorf("code round trip failed for %s", seg)
		}
	}
	if Segment("UNKNOWN").Valid() {
		t.Error("unknown segment should be invalid")
	}
}

func TestValidPrice(t *testing.T) {
	cases := []struct {
		in   float64
		want bool
	}{
		{101.5, true},
		{0, false},
		{-3, false},
		{math.NaN(), false},
		{math.Inf(1), false},
	}
	for _, c := range cases {
		got := ValidPrice(c.in)
		if (got != nil) != c.want {
			t.Errorf("ValidPrice(%v): expected valid=%v", c.in, c.want)
		}
		if got != nil && *got != c.in {
			t.Errorf("ValidPrice(%v) returned %v", c.in, *got)
		}
	}
}

func TestTokenString(t *testing.T) {
	if Token(0).String() != "0" || Token(99926000).String() != "99926000" {
		t.Error("Token.String mismatch")
	}
}
