package model

import (
	"strconv"
	"strings"
)

// Token is the venue's opaque numeric instrument identifier.
type Token int64

// String returns the decimal form of the token.
func (t Token) String() string { return strconv.FormatInt(int64(t), 10) }

// ParseToken parses a decimal token string.
func ParseToken(s string) (Token, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return Token(n), nil
}

// Segment is a normalised market segment.
type Segment string

const (
	SegmentEquity      Segment = "EQUITY"
	SegmentDerivatives Segment = "DERIVATIVES"
	SegmentCurrency    Segment = "CURRENCY"
	SegmentCommodity   Segment = "COMMODITY"
)

// Code returns the venue wire code for the segment ("NSE_EQ", "NSE_FO", ...).
// Unknown segments return "".
func (s Segment) Code() string {
	switch s {
	case SegmentEquity:
		return "NSE_EQ"
	case SegmentDerivatives:
		return "NSE_FO"
	case SegmentCurrency:
		return "NSE_CD"
	case SegmentCommodity:
		return "MCX_FO"
	default:
		return ""
	}
}

// Valid reports whether s is one of the four known segments.
func (s Segment) Valid() bool { return s.Code() != "" }

// SegmentFromCode maps a venue wire code back to its segment.
func SegmentFromCode(code string) (Segment, bool) {
	switch code {
	case "NSE_EQ":
		return SegmentEquity, true
	case "NSE_FO":
		return SegmentDerivatives, true
	case "NSE_CD":
		return SegmentCurrency, true
	case "MCX_FO":
		return SegmentCommodity, true
	default:
		return "", false
	}
}

// RoutingKey addresses one instrument on the venue.
// Only built from a resolved segment; there is no default segment.
type RoutingKey struct {
	Segment Segment `json:"segment"`
	Token   Token   `json:"token"`
}

// String returns "<CODE>-<token>", e.g. "NSE_EQ-2885".
func (k RoutingKey) String() string {
	return k.Segment.Code() + "-" + k.Token.String()
}

// ParseRoutingKey parses the "<CODE>-<token>" form.
func ParseRoutingKey(s string) (RoutingKey, bool) {
	i := strings.LastIndexByte(s, '-')
	if i <= 0 || i == len(s)-1 {
		return RoutingKey{}, false
	}
	seg, ok := SegmentFromCode(s[:i])
	if !ok {
		return RoutingKey{}, false
	}
	tok, err := ParseToken(s[i+1:])
	if err != nil {
		return RoutingKey{}, false
	}
	return RoutingKey{Segment: seg, Token: tok}, true
}
