package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecode_CallUser(t *testing.T) {
	req := require.New(t)
	ev, err := Decode([]byte(`{"type":"call-user","from_user_id":"a","from_username":"Alice","to_user_id":"b","video_enabled":true}`))
	req.NoError(err)
	cu, ok := ev.(*CallUser)
	req.True(ok)
	req.Equal(TypeCallUser, cu.Kind())
	req.Equal(UserID("a"), cu.From())
	req.Equal(UserID("b"), cu.To())
	req.True(cu.VideoEnabled)
}

func TestDecode_SharedStructsKeepTheirKind(t *testing.T) {
	req := require.New(t)
	for _, typ := range []EventType{TypeTyping, TypeStopTyping, TypeAcceptCall, TypeRejectCall} {
		ev, err := Decode([]byte(`{"type":"` + string(typ) + `","from_user_id":"a","to_user_id":"b"}`))
		req.NoError(err)
		req.Equal(typ, ev.Kind())
	}
}

func TestDecode_ReactMessageUsesUserID(t *testing.T) {
	req := require.New(t)
	ev, err := Decode([]byte(`{"type":"react-message","message_id":"m1","user_id":"a","to_user_id":"b","emoji":"👍"}`))
	req.NoError(err)
	req.Equal(UserID("a"), ev.From())
}

func TestDecode_UnknownType(t *testing.T) {
	req := require.New(t)
	_, err := Decode([]byte(`{"type":"teleport","from_user_id":"a"}`))
	req.True(errors.Is(err, ErrUnknownEvent))
}

func TestDecode_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":         `{"type":`,
		"missing to":       `{"type":"offer","from_user_id":"a","offer":{"type":"offer","sdp":"v=0"}}`,
		"bad sdp type":     `{"type":"offer","from_user_id":"a","to_user_id":"b","offer":{"type":"bogus","sdp":"v=0"}}`,
		"empty message":    `{"type":"send-message","from_user_id":"a","to_user_id":"b"}`,
		"edit without new": `{"type":"edit-message","message_id":"m","from_user_id":"a","to_user_id":"b"}`,
		"negative dur":     `{"type":"end-call","from_user_id":"a","to_user_id":"b","duration":-1}`,
		"no recipient":     `{"type":"ice-candidate","from_user_id":"a","candidate":{"candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host"}}`,
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(frame))
			require.True(t, errors.Is(err, ErrMalformedEvent), "got %v", err)
		})
	}
}

func TestDecode_EndOfCandidates(t *testing.T) {
	req := require.New(t)
	ev, err := Decode([]byte(`{"type":"ice-candidate","from_user_id":"a","to_user_id":"b","candidate":{"candidate":"","sdpMid":"0","sdpMLineIndex":0}}`))
	req.NoError(err)
	c := ev.(*ICECandidateEvent).Candidate
	req.Empty(c.Candidate)
	req.Equal("0", *c.SDPMid)
}

func TestDecode_FileMessageWithoutText(t *testing.T) {
	req := require.New(t)
	_, err := Decode([]byte(`{"type":"send-message","from_user_id":"a","to_user_id":"b","file_url":"/f/1.png"}`))
	req.NoError(err)
}

func TestEncode_PutsTypeFirst(t *testing.T) {
	req := require.New(t)
	b, err := Encode(&EndCall{FromUserID: "a", FromUsername: "Alice", ToUserID: "b", Duration: 42})
	req.NoError(err)
	req.Contains(string(b), `{"type":"end-call",`)

	var m map[string]any
	req.NoError(json.Unmarshal(b, &m))
	req.Equal(float64(42), m["duration"])

	ping, err := Encode(&Ping{})
	req.NoError(err)
	req.JSONEq(`{"type":"ping"}`, string(ping))
}

func TestEncodeDecode_StopTyping(t *testing.T) {
	req := require.New(t)
	b, err := Encode(NewTyping("a", "Alice", "b", true))
	req.NoError(err)
	ev, err := Decode(b)
	req.NoError(err)
	req.Equal(TypeStopTyping, ev.Kind())
}

func TestEventType_IsSignaling(t *testing.T) {
	req := require.New(t)
	req.True(TypeICECandidate.IsSignaling())
	req.True(TypeEndCall.IsSignaling())
	req.False(TypeSendMessage.IsSignaling())
	req.False(TypeMessageRead.IsSignaling())
}
