package model

// Mode is the streaming payload depth requested for a token.
type Mode string

const (
	ModeLTP   Mode = "LTP"
	ModeOHLCV Mode = "OHLCV"
	ModeFull  Mode = "FULL"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeLTP || m == ModeOHLCV || m == ModeFull
}

// SubscriptionStatus tracks a subscription's acknowledgement.
type SubscriptionStatus string

const (
	SubPending SubscriptionStatus = "PENDING"
	SubAcked   SubscriptionStatus = "ACKED"
	SubFailed  SubscriptionStatus = "FAILED"
)

// Subscription is the session's record of one subscribed token.
type Subscription struct {
	Token   Token              `json:"token"`
	Mode    Mode               `json:"mode"`
	Segment Segment            `json:"segment"`
	Status  SubscriptionStatus `json:"status"`
}
