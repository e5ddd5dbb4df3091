package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
)

var (
	ErrUnknownEvent   = errors.New("unknown event type")
	ErrMalformedEvent = errors.New("malformed event")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var factories = map[EventType]func() Event{
	TypeUsersUpdate:   func() Event { return &UsersUpdate{} },
	TypeSendMessage:   func() Event { return &SendMessage{} },
	TypeTyping:        func() Event { return &Typing{} },
	TypeStopTyping:    func() Event { return &Typing{stop: true} },
	TypeMessageRead:   func() Event { return &MessageRead{} },
	TypeDeleteMessage: func() Event { return &DeleteMessage{} },
	TypeEditMessage:   func() Event { return &EditMessage{} },
	TypeReactMessage:  func() Event { return &ReactMessage{} },
	TypeCallUser:      func() Event { return &CallUser{} },
	TypeAcceptCall:    func() Event { return &CallReply{} },
	TypeRejectCall:    func() Event { return &CallReply{reject: true} },
	TypeOffer:         func() Event { return &Offer{} },
	TypeAnswer:        func() Event { return &Answer{} },
	TypeICECandidate:  func() Event { return &ICECandidateEvent{} },
	TypeEndCall:       func() Event { return &EndCall{} },
	TypePing:          func() Event { return &Ping{} },
	TypePong:          func() Event { return &Pong{} },
}

// PeekType reads only the discriminant of a frame.
func PeekType(data []byte) (EventType, error) {
	var env struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return env.Type, nil
}

// Decode parses and validates one frame.
func Decode(data []byte) (Event, error) {
	t, err := PeekType(data)
	if err != nil {
		return nil, err
	}
	mk, ok := factories[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, t)
	}
	ev := mk()
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, t, err)
	}
	if err := validate.Struct(ev); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, t, err)
	}
	return ev, nil
}

// Encode marshals ev with its discriminant as the first member.
func Encode(ev Event) ([]byte, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	head := `{"type":` + strconv.Quote(string(ev.Kind()))
	if len(body) <= 2 {
		return []byte(head + "}"), nil
	}
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head...)
	out = append(out, ',')
	return append(out, body[1:]...), nil
}
