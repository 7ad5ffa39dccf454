// Package signaling defines the messages relayed between peers of a room.
package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

type Event string

const (
	EventJoin         Event = "join"
	EventLeave        Event = "leave"
	EventOffer        Event = "offer"
	EventAnswer       Event = "answer"
	EventICECandidate Event = "ice-candidate"
	EventPeerJoined   Event = "peer-joined"
	EventPeerLeft     Event = "peer-left"
	EventJoined       Event = "joined"
	EventPing         Event = "ping"
	EventPong         Event = "pong"
	EventRename       Event = "rename"
	EventWhoAmI       Event = "whoami"
	EventError        Event = "error"
)

// Message is the single envelope carried over the signaling socket. Only the
// fields meaningful for Type are set.
type Message struct {
	Type      Event                      `json:"type"`
	RoomID    string                     `json:"roomId,omitempty"`
	UserID    string                     `json:"userId,omitempty"`
	Username  string                     `json:"username,omitempty"`
	PeerID    string                     `json:"peerId,omitempty"`
	Peers     []string                   `json:"peers,omitempty"`
	To        string                     `json:"to,omitempty"`
	From      string                     `json:"from,omitempty"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
	Error     string                     `json:"error,omitempty"`
}

func Join(roomID, userID string) Message {
	return Message{Type: EventJoin, RoomID: roomID, UserID: userID}
}

func Leave(roomID, userID string) Message {
	return Message{Type: EventLeave, RoomID: roomID, UserID: userID}
}

func Offer(from, to string, sdp webrtc.SessionDescription) Message {
	return Message{Type: EventOffer, From: from, To: to, Offer: &sdp}
}

func Answer(from, to string, sdp webrtc.SessionDescription) Message {
	return Message{Type: EventAnswer, From: from, To: to, Answer: &sdp}
}

func Candidate(from, to string, c webrtc.ICECandidateInit) Message {
	return Message{Type: EventICECandidate, From: from, To: to, Candidate: &c}
}

func PeerJoined(peerID string) Message {
	return Message{Type: EventPeerJoined, PeerID: peerID}
}

func PeerLeft(peerID string) Message {
	return Message{Type: EventPeerLeft, PeerID: peerID}
}

func Errorf(format string, args ...any) Message {
	return Message{Type: EventError, Error: fmt.Sprintf(format, args...)}
}

// Relayed reports whether the message is addressed to a single peer and
// forwarded by the server without interpretation.
func (m Message) Relayed() bool {
	switch m.Type {
	case EventOffer, EventAnswer, EventICECandidate:
		return true
	}
	return false
}

// Validate checks the fields each event requires.
func (m Message) Validate() error {
	switch m.Type {
	case EventJoin:
		if m.RoomID == "" {
			return fmt.Errorf("%s: missing roomId", m.Type)
		}
	case EventOffer:
		if m.To == "" || m.Offer == nil {
			return fmt.Errorf("%s: missing to or offer", m.Type)
		}
	case EventAnswer:
		if m.To == "" || m.Answer == nil {
			return fmt.Errorf("%s: missing to or answer", m.Type)
		}
	case EventICECandidate:
		if m.To == "" || m.Candidate == nil {
			return fmt.Errorf("%s: missing to or candidate", m.Type)
		}
	case EventPeerJoined, EventPeerLeft:
		if m.PeerID == "" {
			return fmt.Errorf("%s: missing peerId", m.Type)
		}
	case "":
		return fmt.Errorf("missing type")
	}
	return nil
}

func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode signaling message: %w", err)
	}
	return m, nil
}
