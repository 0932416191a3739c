// Package wire holds the JSON messages exchanged over the signaling socket.
package wire

import (
	"encoding/json"

	"github.com/dkeye/Helpline/internal/core"
	"github.com/pion/webrtc/v4"
)

const (
	TypeJoin         = "join"
	TypeLeave        = "leave"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeCandidate    = "candidate"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeWhoAmI       = "whoami"
	TypeRoomState    = "room_state"
	TypeMemberJoined = "member_joined"
	TypeMemberLeft   = "member_left"
	TypeQuality      = "quality"
	TypeError        = "error"
)

// Message is the single envelope used in both directions. Only the fields
// relevant to Type are set.
type Message struct {
	Type      string                   `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	Room      string                   `json:"room,omitempty"`
	You       *core.MemberDTO          `json:"you,omitempty"`
	Member    *core.MemberDTO          `json:"member,omitempty"`
	Members   []core.MemberDTO         `json:"members,omitempty"`
	Count     int                      `json:"count,omitempty"`
	Level     string                   `json:"level,omitempty"`
	RTTMs     int64                    `json:"rttMs,omitempty"`
	Error     string                   `json:"error,omitempty"`
}

func Encode(m Message) (core.Frame, error) {
	return json.Marshal(m)
}

func Decode(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}
