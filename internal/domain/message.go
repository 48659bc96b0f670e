// Package domain contains wire entities without transport logic: signaling
// messages, admission tokens and the error catalog.
package domain

import (
	"encoding/json"
	"errors"
)

type MessageType string

const (
	MessageOpen      MessageType = "OPEN"
	MessageLeave     MessageType = "LEAVE"
	MessageCandidate MessageType = "CANDIDATE"
	MessageOffer     MessageType = "OFFER"
	MessageAnswer    MessageType = "ANSWER"
	MessageExpire    MessageType = "EXPIRE"
	MessageHeartbeat MessageType = "HEARTBEAT"
	MessageIDTaken   MessageType = "ID-TAKEN"
	MessageError     MessageType = "ERROR"
)

var ErrMalformedMessage = errors.New("malformed message")

// Message is one signaling frame. Src is always stamped by the relay.
type Message struct {
	Type    MessageType     `json:"type"`
	Src     string          `json:"src,omitempty"`
	Dst     string          `json:"dst,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type textPayload struct {
	Msg string `json:"msg"`
}

func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, errors.Join(ErrMalformedMessage, err)
	}
	if m.Type == "" {
		return Message{}, ErrMalformedMessage
	}
	return m, nil
}

func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// IsRelayed reports whether the type is forwarded peer to peer.
func (m Message) IsRelayed() bool {
	switch m.Type {
	case MessageLeave, MessageCandidate, MessageOffer, MessageAnswer, MessageExpire:
		return true
	}
	return false
}

func NewOpen() Message {
	return Message{Type: MessageOpen}
}

func NewLeave(src, dst string) Message {
	return Message{Type: MessageLeave, Src: src, Dst: dst}
}

func NewError(reason Reason) Message {
	return Message{Type: MessageError, Payload: mustText(string(reason))}
}

func NewIDTaken() Message {
	return Message{Type: MessageIDTaken, Payload: mustText("ID is taken")}
}

// PayloadText returns payload.msg for ERROR and ID-TAKEN frames.
func (m Message) PayloadText() string {
	var p textPayload
	if len(m.Payload) == 0 || json.Unmarshal(m.Payload, &p) != nil {
		return ""
	}
	return p.Msg
}

func mustText(msg string) json.RawMessage {
	b, _ := json.Marshal(textPayload{Msg: msg})
	return b
}
