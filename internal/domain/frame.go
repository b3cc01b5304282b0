package domain

import "encoding/json"

// Verb is the string at index 0 of every wire frame.
type Verb string

const (
	VerbReq    Verb = "REQ"
	VerbEvent  Verb = "EVENT"
	VerbAuth   Verb = "AUTH"
	VerbCount  Verb = "COUNT"
	VerbClose  Verb = "CLOSE"
	VerbEOSE   Verb = "EOSE"
	VerbNotice Verb = "NOTICE"
	VerbOK     Verb = "OK"
)

// OutgoingFrame is a client-to-server frame. Which fields are meaningful
// depends on Verb:
//
//	REQ, COUNT: SubscriptionID, Payload (filter)
//	EVENT, AUTH: Payload (signed event)
//	CLOSE: SubscriptionID
type OutgoingFrame struct {
	Verb           Verb
	SubscriptionID string
	Payload        json.RawMessage
}

func ReqFrame(subID string, filter json.RawMessage) OutgoingFrame {
	return OutgoingFrame{Verb: VerbReq, SubscriptionID: subID, Payload: filter}
}

func EventFrame(signed json.RawMessage) OutgoingFrame {
	return OutgoingFrame{Verb: VerbEvent, Payload: signed}
}

func AuthFrame(signed json.RawMessage) OutgoingFrame {
	return OutgoingFrame{Verb: VerbAuth, Payload: signed}
}

func CountFrame(subID string, filter json.RawMessage) OutgoingFrame {
	return OutgoingFrame{Verb: VerbCount, SubscriptionID: subID, Payload: filter}
}

func CloseFrame(subID string) OutgoingFrame {
	return OutgoingFrame{Verb: VerbClose, SubscriptionID: subID}
}

// IncomingFrame is a server-to-client frame:
//
//	EVENT:  SubscriptionID, Payload
//	EOSE:   SubscriptionID
//	NOTICE: Message
//	OK:     EventID, Accepted, Message
//	AUTH:   Challenge
//	COUNT:  SubscriptionID, Count
type IncomingFrame struct {
	Verb           Verb
	SubscriptionID string
	Payload        json.RawMessage
	Message        string
	EventID        string
	Accepted       bool
	Challenge      string
	Count          int64
}

// HasSubscription reports whether the verb carries a subscription id.
func (f IncomingFrame) HasSubscription() bool {
	switch f.Verb {
	case VerbEvent, VerbEOSE, VerbCount:
		return true
	}
	return false
}

// ConnectionState is the observable state of one transport connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// SubscriptionState tracks one outstanding request on a connection.
type SubscriptionState int

const (
	SubscriptionSent SubscriptionState = iota
	SubscriptionStreaming
	SubscriptionCompleted
	SubscriptionFailed
	SubscriptionClosed
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionSent:
		return "sent"
	case SubscriptionStreaming:
		return "streaming"
	case SubscriptionCompleted:
		return "completed"
	case SubscriptionFailed:
		return "failed"
	default:
		return "closed"
	}
}
