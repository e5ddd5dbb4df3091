package domain

// EventType is the `type` discriminant of every frame on the event channel.
type EventType string

const (
	TypeUsersUpdate   EventType = "users-update"
	TypeSendMessage   EventType = "send-message"
	TypeTyping        EventType = "typing"
	TypeStopTyping    EventType = "stop-typing"
	TypeMessageRead   EventType = "message-read"
	TypeDeleteMessage EventType = "delete-message"
	TypeEditMessage   EventType = "edit-message"
	TypeReactMessage  EventType = "react-message"
	TypeCallUser      EventType = "call-user"
	TypeAcceptCall    EventType = "accept-call"
	TypeRejectCall    EventType = "reject-call"
	TypeOffer         EventType = "offer"
	TypeAnswer        EventType = "answer"
	TypeICECandidate  EventType = "ice-candidate"
	TypeEndCall       EventType = "end-call"
	TypePing          EventType = "ping"
	TypePong          EventType = "pong"
)

// IsSignaling reports whether t belongs to call negotiation. Signaling
// traffic is never persisted and is dropped when the peer is offline.
func (t EventType) IsSignaling() bool {
	switch t {
	case TypeCallUser, TypeAcceptCall, TypeRejectCall,
		TypeOffer, TypeAnswer, TypeICECandidate, TypeEndCall:
		return true
	}
	return false
}

// Event is one decoded frame. Directed variants report a non-empty To.
type Event interface {
	Kind() EventType
	From() UserID
	To() UserID
}

type UsersUpdate struct {
	Users []User `json:"users"`
}

func (*UsersUpdate) Kind() EventType { return TypeUsersUpdate }
func (*UsersUpdate) From() UserID    { return "" }
func (*UsersUpdate) To() UserID      { return "" }

// SendMessage may carry a client-chosen message_id so both ends can refer
// to the message in later read/edit/delete/react events.
type SendMessage struct {
	MessageID       string `json:"message_id,omitempty" validate:"max=64"`
	FromUserID      UserID `json:"from_user_id" validate:"required"`
	FromUsername    string `json:"from_username"`
	ToUserID        UserID `json:"to_user_id" validate:"required"`
	Message         string `json:"message" validate:"required_without=FileURL"`
	FileURL         string `json:"file_url,omitempty"`
	FileType        string `json:"file_type,omitempty"`
	FileName        string `json:"file_name,omitempty"`
	ReplyToID       string `json:"reply_to_id,omitempty"`
	ReplyToText     string `json:"reply_to_text,omitempty"`
	ReplyToUsername string `json:"reply_to_username,omitempty"`
}

func (*SendMessage) Kind() EventType { return TypeSendMessage }
func (e *SendMessage) From() UserID  { return e.FromUserID }
func (e *SendMessage) To() UserID    { return e.ToUserID }

// Typing covers both typing and stop-typing.
type Typing struct {
	FromUserID   UserID `json:"from_user_id" validate:"required"`
	FromUsername string `json:"from_username,omitempty"`
	ToUserID     UserID `json:"to_user_id" validate:"required"`

	stop bool
}

func NewTyping(from UserID, username string, to UserID, stop bool) *Typing {
	return &Typing{FromUserID: from, FromUsername: username, ToUserID: to, stop: stop}
}

func (e *Typing) Kind() EventType {
	if e.stop {
		return TypeStopTyping
	}
	return TypeTyping
}
func (e *Typing) From() UserID { return e.FromUserID }
func (e *Typing) To() UserID   { return e.ToUserID }

type MessageRead struct {
	MessageID  string `json:"message_id" validate:"required"`
	FromUserID UserID `json:"from_user_id" validate:"required"`
	ToUserID   UserID `json:"to_user_id" validate:"required"`
}

func (*MessageRead) Kind() EventType { return TypeMessageRead }
func (e *MessageRead) From() UserID  { return e.FromUserID }
func (e *MessageRead) To() UserID    { return e.ToUserID }

type DeleteMessage struct {
	MessageID  string `json:"message_id" validate:"required"`
	FromUserID UserID `json:"from_user_id" validate:"required"`
	ToUserID   UserID `json:"to_user_id" validate:"required"`
}

func (*DeleteMessage) Kind() EventType { return TypeDeleteMessage }
func (e *DeleteMessage) From() UserID  { return e.FromUserID }
func (e *DeleteMessage) To() UserID    { return e.ToUserID }

type EditMessage struct {
	MessageID  string `json:"message_id" validate:"required"`
	NewMessage string `json:"new_message" validate:"required"`
	FromUserID UserID `json:"from_user_id" validate:"required"`
	ToUserID   UserID `json:"to_user_id" validate:"required"`
}

func (*EditMessage) Kind() EventType { return TypeEditMessage }
func (e *EditMessage) From() UserID  { return e.FromUserID }
func (e *EditMessage) To() UserID    { return e.ToUserID }

// ReactMessage names its sender user_id rather than from_user_id.
type ReactMessage struct {
	MessageID string `json:"message_id" validate:"required"`
	UserID    UserID `json:"user_id" validate:"required"`
	ToUserID  UserID `json:"to_user_id" validate:"required"`
	Emoji     string `json:"emoji" validate:"required"`
}

func (*ReactMessage) Kind() EventType { return TypeReactMessage }
func (e *ReactMessage) From() UserID  { return e.UserID }
func (e *ReactMessage) To() UserID    { return e.ToUserID }

type CallUser struct {
	FromUserID   UserID `json:"from_user_id" validate:"required"`
	FromUsername string `json:"from_username"`
	ToUserID     UserID `json:"to_user_id" validate:"required"`
	VideoEnabled bool   `json:"video_enabled"`
}

func (*CallUser) Kind() EventType { return TypeCallUser }
func (e *CallUser) From() UserID  { return e.FromUserID }
func (e *CallUser) To() UserID    { return e.ToUserID }

// CallReply covers accept-call and reject-call.
type CallReply struct {
	FromUserID   UserID `json:"from_user_id" validate:"required"`
	ToUserID     UserID `json:"to_user_id" validate:"required"`
	FromUsername string `json:"from_username,omitempty"`

	reject bool
}

func NewCallReply(from UserID, username string, to UserID, reject bool) *CallReply {
	return &CallReply{FromUserID: from, FromUsername: username, ToUserID: to, reject: reject}
}

func (e *CallReply) Kind() EventType {
	if e.reject {
		return TypeRejectCall
	}
	return TypeAcceptCall
}
func (e *CallReply) From() UserID { return e.FromUserID }
func (e *CallReply) To() UserID   { return e.ToUserID }

// SessionDescription mirrors the browser's RTCSessionDescriptionInit.
type SessionDescription struct {
	Type string `json:"type" validate:"oneof=offer answer pranswer rollback"`
	SDP  string `json:"sdp" validate:"required"`
}

type Offer struct {
	Offer      SessionDescription `json:"offer"`
	FromUserID UserID             `json:"from_user_id" validate:"required"`
	ToUserID   UserID             `json:"to_user_id" validate:"required"`
}

func (*Offer) Kind() EventType { return TypeOffer }
func (e *Offer) From() UserID  { return e.FromUserID }
func (e *Offer) To() UserID    { return e.ToUserID }

type Answer struct {
	Answer     SessionDescription `json:"answer"`
	FromUserID UserID             `json:"from_user_id" validate:"required"`
	ToUserID   UserID             `json:"to_user_id" validate:"required"`
}

func (*Answer) Kind() EventType { return TypeAnswer }
func (e *Answer) From() UserID  { return e.FromUserID }
func (e *Answer) To() UserID    { return e.ToUserID }

// ICECandidate mirrors the browser's RTCIceCandidateInit. An empty
// Candidate is the end-of-candidates marker.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type ICECandidateEvent struct {
	Candidate  ICECandidate `json:"candidate"`
	FromUserID UserID       `json:"from_user_id" validate:"required"`
	ToUserID   UserID       `json:"to_user_id" validate:"required"`
}

func (*ICECandidateEvent) Kind() EventType { return TypeICECandidate }
func (e *ICECandidateEvent) From() UserID  { return e.FromUserID }
func (e *ICECandidateEvent) To() UserID    { return e.ToUserID }

// EndCall carries the active duration in whole seconds.
type EndCall struct {
	FromUserID   UserID `json:"from_user_id" validate:"required"`
	FromUsername string `json:"from_username"`
	ToUserID     UserID `json:"to_user_id" validate:"required"`
	Duration     int    `json:"duration" validate:"gte=0"`
}

func (*EndCall) Kind() EventType { return TypeEndCall }
func (e *EndCall) From() UserID  { return e.FromUserID }
func (e *EndCall) To() UserID    { return e.ToUserID }

type Ping struct{}

func (*Ping) Kind() EventType { return TypePing }
func (*Ping) From() UserID    { return "" }
func (*Ping) To() UserID      { return "" }

type Pong struct{}

func (*Pong) Kind() EventType { return TypePong }
func (*Pong) From() UserID    { return "" }
func (*Pong) To() UserID      { return "" }
