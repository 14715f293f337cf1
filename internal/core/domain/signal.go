package domain

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// SignalKind describes an opaque signaling payload for logs and traces.
// The relay never rejects a payload because of its kind.
type SignalKind string

const (
	SignalOffer       SignalKind = "offer"
	SignalAnswer      SignalKind = "answer"
	SignalPranswer    SignalKind = "pranswer"
	SignalRollback    SignalKind = "rollback"
	SignalCandidate   SignalKind = "candidate"
	SignalRenegotiate SignalKind = "renegotiate"
	SignalUnknown     SignalKind = "unknown"
)

func ClassifySignal(raw json.RawMessage) SignalKind {
	var shape struct {
		Type        string                   `json:"type"`
		SDP         string                   `json:"sdp"`
		Candidate   *webrtc.ICECandidateInit `json:"candidate"`
		Renegotiate bool                     `json:"renegotiate"`
	}
	if err := json.Unmarshal(raw, &shape); err != nil {
		return SignalUnknown
	}
	if shape.Candidate != nil && shape.Candidate.Candidate != "" {
		return SignalCandidate
	}
	if shape.Renegotiate {
		return SignalRenegotiate
	}
	desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(shape.Type), SDP: shape.SDP}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		return SignalOffer
	case webrtc.SDPTypeAnswer:
		return SignalAnswer
	case webrtc.SDPTypePranswer:
		return SignalPranswer
	case webrtc.SDPTypeRollback:
		return SignalRollback
	}
	return SignalUnknown
}
