package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Joins(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want RoomKey
	}{
		{"channel as bare string", `{"event":"join_channel","data":"c1"}`, "channel:c1"},
		{"conversation as object", `{"event":"join_conversation","data":{"roomTargetId":"dm1"}}`, "conversation:dm1"},
		{"server", `{"event":"join_server","data":"s1"}`, "server:s1"},
		{"voice", `{"event":"join_voice_channel","data":"v1"}`, "voice:v1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := Decode([]byte(tt.raw))
			require.NoError(t, err)
			join, ok := in.(JoinRoom)
			require.True(t, ok, "got %T", in)
			assert.Equal(t, tt.want, join.Room)
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `nope`, ErrMalformedEvent},
		{"missing event", `{"data":"x"}`, ErrMalformedEvent},
		{"unknown event", `{"event":"drop_tables","data":"x"}`, ErrUnknownEvent},
		{"join without target", `{"event":"join_channel"}`, ErrMalformedEvent},
		{"join with separator in target", `{"event":"join_channel","data":"a:b"}`, ErrMalformedEvent},
		{"typing on server room", `{"event":"typing_start","data":{"roomKind":"server","roomTargetId":"s1"}}`, ErrMalformedEvent},
		{"signal without target", `{"event":"sending_signal","data":{"signal":{"type":"offer"}}}`, ErrMalformedEvent},
		{"signal without payload", `{"event":"returning_signal","data":{"targetConnectionId":"c"}}`, ErrMalformedEvent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecode_LeaveVoiceWithoutTarget(t *testing.T) {
	in, err := Decode([]byte(`{"event":"leave_voice_channel"}`))
	require.NoError(t, err)
	leave := in.(LeaveRoom)
	assert.Equal(t, RoomVoice, leave.Kind)
	assert.Empty(t, leave.Room)

	_, err = Decode([]byte(`{"event":"leave_channel"}`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestDecode_Typing(t *testing.T) {
	in, err := Decode([]byte(`{"event":"typing_start","data":{"roomKind":"channel","roomTargetId":"c1","identity":"spoofed","displayName":"Ada"}}`))
	require.NoError(t, err)
	sig := in.(TypingSignal)
	assert.Equal(t, RoomKey("channel:c1"), sig.Room)
	assert.Equal(t, "Ada", sig.DisplayName)
	assert.True(t, sig.Typing)
	assert.Equal(t, EventTypingStart, sig.EventName())

	in, err = Decode([]byte(`{"event":"typing_stop","data":{"roomKind":"conversation","roomTargetId":"dm1"}}`))
	require.NoError(t, err)
	assert.False(t, in.(TypingSignal).Typing)
}

func TestDecode_TypingNameKeepsWholeCharacters(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"ascii over limit", strings.Repeat("a", 70), strings.Repeat("a", 64)},
		{"two byte char across limit", strings.Repeat("a", 63) + "é", strings.Repeat("a", 63)},
		{"four byte chars", strings.Repeat("😀", 17), strings.Repeat("😀", 16)},
		{"fits exactly", strings.Repeat("a", 62) + "é", strings.Repeat("a", 62) + "é"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(map[string]string{"roomKind": "channel", "roomTargetId": "c1", "displayName": tt.in})
			require.NoError(t, err)
			in, err := Decode([]byte(`{"event":"typing_start","data":` + string(data) + `}`))
			require.NoError(t, err)
			got := in.(TypingSignal).DisplayName
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))

			frame, err := Encode(EventUserTyping, UserTyping{DisplayName: got})
			require.NoError(t, err)
			assert.NotContains(t, string(frame), `\ufffd`)
		})
	}
}

func TestDecode_SignalKeepsPayloadVerbatim(t *testing.T) {
	payload := `{"type":"offer","sdp":"v=0\r\n","extra":[1,2]}`
	in, err := Decode([]byte(`{"event":"sending_signal","data":{"targetConnectionId":"peer","signal":` + payload + `}}`))
	require.NoError(t, err)
	sig := in.(VoiceSignal)
	assert.Equal(t, PhaseOffer, sig.Phase)
	assert.Equal(t, ConnID("peer"), sig.Target)
	assert.JSONEq(t, payload, string(sig.Signal))
}

func TestEncode(t *testing.T) {
	raw, err := Encode(EventUserStatusChange, StatusChange{Identity: "u1", Status: StatusOnline})
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, EventUserStatusChange, env.Event)
	assert.JSONEq(t, `{"identity":"u1","status":"online"}`, string(env.Data))
}

func TestClassifySignal(t *testing.T) {
	tests := map[string]SignalKind{
		`{"type":"offer","sdp":"v=0"}`:  SignalOffer,
		`{"type":"answer","sdp":"v=0"}`: SignalAnswer,
		`{"type":"candidate","candidate":{"candidate":"candidate:1 1 udp 2 10.0.0.1 5000 typ host","sdpMid":"0","sdpMLineIndex":0}}`: SignalCandidate,
		`{"renegotiate":true}`:                    SignalRenegotiate,
		`{"transceiverRequest":{"kind":"video"}}`: SignalUnknown,
		`"just a string"`:                         SignalUnknown,
	}
	for raw, want := range tests {
		assert.Equal(t, want, ClassifySignal(json.RawMessage(raw)), raw)
	}
}

func TestRoomKeys(t *testing.T) {
	key, err := NewRoomKey(RoomConversation, "dm1")
	require.NoError(t, err)
	assert.Equal(t, RoomConversation, key.Kind())
	assert.Equal(t, "dm1", key.TargetID())

	kind, target, err := ParseRoomKey("voice:v9")
	require.NoError(t, err)
	assert.Equal(t, RoomVoice, kind)
	assert.Equal(t, "v9", target)

	_, err = NewRoomKey("lobby", "x")
	assert.ErrorIs(t, err, ErrInvalidRoom)
	_, _, err = ParseRoomKey("channel")
	assert.ErrorIs(t, err, ErrInvalidRoom)
}

func TestMessageRoom(t *testing.T) {
	ch := "c1"
	room, err := (&Message{ID: "m", ChannelID: &ch}).Room()
	require.NoError(t, err)
	assert.Equal(t, RoomKey("channel:c1"), room)

	_, err = (&Message{ID: "m"}).Room()
	assert.ErrorIs(t, err, ErrInvalidRoom)
}

func TestNoticesAndUserRooms(t *testing.T) {
	key, err := NewRoomKey(RoomUser, "u1")
	require.NoError(t, err)
	assert.Equal(t, RoomKey("user:u1"), key)

	assert.True(t, IsNotice(EventRefreshServerUI))
	assert.True(t, IsNotice(EventConversationUpdated))
	assert.False(t, IsNotice(EventNewMessage), "message events have their own kinds")
	assert.False(t, IsNotice(EventUserStatusChange))
	assert.False(t, IsNotice(""))
}
