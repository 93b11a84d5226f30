package stream

import (
	"strings"

	"quotefeed/internal/model"
)

const (
	msgSubscribe   = "subscribe"
	msgUnsubscribe = "unsubscribe"
)

// controlFrame is the outbound JSON sent once per token.
type controlFrame struct {
	Exchange    string     `json:"exchange"`
	Token       string     `json:"token"`
	Mode        model.Mode `json:"mode,omitempty"`
	MessageType string     `json:"message_type"`
}

func newFrame(messageType string, sub model.Subscription) controlFrame {
	f := controlFrame{
		Exchange:    sub.Segment.Code(),
		Token:       sub.Token.String(),
		MessageType: messageType,
	}
	if messageType == msgSubscribe {
		f.Mode = sub.Mode
	}
	return f
}

// controlMessage is an inbound text frame from the venue.
//
//	{"type":"ack","token":"2885","message_type":"subscribe"}
//	{"type":"error","token":"2885","code":"INVALID_TOKEN","message":"..."}
//	{"type":"error","code":"AUTH_FAILED","message":"session expired"}
//	{"type":"pong"}
type controlMessage struct {
	Type        string `json:"type"`
	Token       string `json:"token,omitempty"`
	MessageType string `json:"message_type,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
	Status      int    `json:"status,omitempty"`
}

var authCodes = map[string]struct{}{
	"AUTH_FAILED":   {},
	"UNAUTHORIZED":  {},
	"FORBIDDEN":     {},
	"TOKEN_EXPIRED": {},
}

func (m controlMessage) isAuth() bool {
	if m.Status == 401 || m.Status == 403 {
		return true
	}
	_, ok := authCodes[strings.ToUpper(m.Code)]
	return ok
}
