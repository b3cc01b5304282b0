// Package wire translates between frame values and the JSON-array text the
// relay protocol exchanges over WebSocket. Every function is pure.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"relaycore/internal/domain"
)

// DecodeError describes a frame that could not be parsed.
type DecodeError struct {
	Verb   string // verb at index 0, when it could be read
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Verb != "" {
		return fmt.Sprintf("decode %s frame: %s", e.Verb, e.Reason)
	}
	return "decode frame: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return domain.ErrDecode }

func decodeErr(verb, format string, args ...any) *DecodeError {
	return &DecodeError{Verb: verb, Reason: fmt.Sprintf(format, args...)}
}

// Encode renders a client-to-server frame.
func Encode(f domain.OutgoingFrame) ([]byte, error) {
	var elems []any
	switch f.Verb {
	case domain.VerbReq, domain.VerbCount:
		if err := requireJSON(f.Verb, f.Payload); err != nil {
			return nil, err
		}
		elems = []any{f.Verb, f.SubscriptionID, f.Payload}
	case domain.VerbEvent, domain.VerbAuth:
		if err := requireJSON(f.Verb, f.Payload); err != nil {
			return nil, err
		}
		elems = []any{f.Verb, f.Payload}
	case domain.VerbClose:
		elems = []any{f.Verb, f.SubscriptionID}
	default:
		return nil, domain.NewDomainError("wire.Encode", domain.ErrInvalidInput, "unsupported outgoing verb "+string(f.Verb))
	}
	return json.Marshal(elems)
}

// EncodeIncoming renders a server-to-client frame. The client never sends
// these; the in-process relay and the codec tests do.
func EncodeIncoming(f domain.IncomingFrame) ([]byte, error) {
	var elems []any
	switch f.Verb {
	case domain.VerbEvent:
		if err := requireJSON(f.Verb, f.Payload); err != nil {
			return nil, err
		}
		elems = []any{f.Verb, f.SubscriptionID, f.Payload}
	case domain.VerbEOSE:
		elems = []any{f.Verb, f.SubscriptionID}
	case domain.VerbNotice:
		elems = []any{f.Verb, f.Message}
	case domain.VerbOK:
		elems = []any{f.Verb, f.EventID, f.Accepted, f.Message}
	case domain.VerbAuth:
		elems = []any{f.Verb, f.Challenge}
	case domain.VerbCount:
		elems = []any{f.Verb, f.SubscriptionID, countBody{Count: f.Count}}
	default:
		return nil, domain.NewDomainError("wire.EncodeIncoming", domain.ErrInvalidInput, "unsupported incoming verb "+string(f.Verb))
	}
	return json.Marshal(elems)
}

type countBody struct {
	Count int64 `json:"count"`
}

// Decode parses a server-to-client frame. Malformed input never panics; it
// yields a *DecodeError.
func Decode(data []byte) (domain.IncomingFrame, error) {
	verb, elems, err := split(data)
	if err != nil {
		return domain.IncomingFrame{}, err
	}

	f := domain.IncomingFrame{Verb: domain.Verb(verb)}
	switch f.Verb {
	case domain.VerbEvent:
		if err := arity(verb, elems, 3); err != nil {
			return domain.IncomingFrame{}, err
		}
		if f.SubscriptionID, err = str(verb, elems[1], "subscription id"); err != nil {
			return domain.IncomingFrame{}, err
		}
		if !isObject(elems[2]) {
			return domain.IncomingFrame{}, decodeErr(verb, "event payload is not an object")
		}
		f.Payload = append(json.RawMessage(nil), elems[2]...)
	case domain.VerbEOSE:
		if err := arity(verb, elems, 2); err != nil {
			return domain.IncomingFrame{}, err
		}
		if f.SubscriptionID, err = str(verb, elems[1], "subscription id"); err != nil {
			return domain.IncomingFrame{}, err
		}
	case domain.VerbNotice:
		if err := arity(verb, elems, 2); err != nil {
			return domain.IncomingFrame{}, err
		}
		if f.Message, err = str(verb, elems[1], "message"); err != nil {
			return domain.IncomingFrame{}, err
		}
	case domain.VerbOK:
		if err := arity(verb, elems, 4); err != nil {
			return domain.IncomingFrame{}, err
		}
		if f.EventID, err = str(verb, elems[1], "event id"); err != nil {
			return domain.IncomingFrame{}, err
		}
		if isNull(elems[2]) || json.Unmarshal(elems[2], &f.Accepted) != nil {
			return domain.IncomingFrame{}, decodeErr(verb, "accepted flag is not a boolean")
		}
		if f.Message, err = str(verb, elems[3], "message"); err != nil {
			return domain.IncomingFrame{}, err
		}
	case domain.VerbAuth:
		if err := arity(verb, elems, 2); err != nil {
			return domain.IncomingFrame{}, err
		}
		if f.Challenge, err = str(verb, elems[1], "challenge"); err != nil {
			return domain.IncomingFrame{}, err
		}
	case domain.VerbCount:
		if err := arity(verb, elems, 3); err != nil {
			return domain.IncomingFrame{}, err
		}
		if f.SubscriptionID, err = str(verb, elems[1], "subscription id"); err != nil {
			return domain.IncomingFrame{}, err
		}
		var body struct {
			Count *int64 `json:"count"`
		}
		if err := json.Unmarshal(elems[2], &body); err != nil || body.Count == nil {
			return domain.IncomingFrame{}, decodeErr(verb, "count body must be {\"count\": <int>}")
		}
		f.Count = *body.Count
	default:
		return domain.IncomingFrame{}, decodeErr(verb, "unknown verb")
	}
	return f, nil
}

// DecodeOutgoing parses a client-to-server frame, the server-side view of
// Encode.
func DecodeOutgoing(data []byte) (domain.OutgoingFrame, error) {
	verb, elems, err := split(data)
	if err != nil {
		return domain.OutgoingFrame{}, err
	}

	f := domain.OutgoingFrame{Verb: domain.Verb(verb)}
	switch f.Verb {
	case domain.VerbReq, domain.VerbCount:
		if err := arity(verb, elems, 3); err != nil {
			return domain.OutgoingFrame{}, err
		}
		if f.SubscriptionID, err = str(verb, elems[1], "subscription id"); err != nil {
			return domain.OutgoingFrame{}, err
		}
		f.Payload = append(json.RawMessage(nil), elems[2]...)
	case domain.VerbEvent, domain.VerbAuth:
		if err := arity(verb, elems, 2); err != nil {
			return domain.OutgoingFrame{}, err
		}
		if !isObject(elems[1]) {
			return domain.OutgoingFrame{}, decodeErr(verb, "signed payload is not an object")
		}
		f.Payload = append(json.RawMessage(nil), elems[1]...)
	case domain.VerbClose:
		if err := arity(verb, elems, 2); err != nil {
			return domain.OutgoingFrame{}, err
		}
		if f.SubscriptionID, err = str(verb, elems[1], "subscription id"); err != nil {
			return domain.OutgoingFrame{}, err
		}
	default:
		return domain.OutgoingFrame{}, decodeErr(verb, "unknown verb")
	}
	return f, nil
}

// split parses the outer array and reads the verb at index 0.
func split(data []byte) (string, []json.RawMessage, error) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return "", nil, decodeErr("", "not a JSON array: %v", err)
	}
	if len(elems) == 0 {
		return "", nil, decodeErr("", "empty array")
	}
	var verb string
	if err := json.Unmarshal(elems[0], &verb); err != nil {
		return "", nil, decodeErr("", "verb is not a string")
	}
	return verb, elems, nil
}

func arity(verb string, elems []json.RawMessage, want int) error {
	if len(elems) != want {
		return decodeErr(verb, "want %d elements, got %d", want, len(elems))
	}
	return nil
}

func str(verb string, raw json.RawMessage, field string) (string, error) {
	var s string
	if isNull(raw) || json.Unmarshal(raw, &s) != nil {
		return "", decodeErr(verb, "%s is not a string", field)
	}
	return s, nil
}

// isNull guards json.Unmarshal, which accepts null for any target.
func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func requireJSON(verb domain.Verb, payload json.RawMessage) error {
	if len(payload) == 0 || !json.Valid(payload) {
		return domain.NewDomainError("wire.Encode", domain.ErrInvalidInput, string(verb)+" payload is not valid JSON")
	}
	return nil
}
