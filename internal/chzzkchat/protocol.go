package chzzkchat

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Command codes of the chat protocol.
const (
	CmdPing              = 0
	CmdPong              = 10000
	CmdConnect           = 100
	CmdConnected         = 10100
	CmdSendChat          = 3101
	CmdRequestRecentChat = 5101
	CmdRecentChat        = 15101
	CmdChat              = 93101
	CmdDonation          = 93102
)

const (
	protocolVersion   = "2"
	serviceID         = "game"
	deviceType        = 2001
	authRoleSend      = "SEND"
	recentChatHistory = 50
)

// FrameKind classifies an inbound frame.
type FrameKind int

const (
	FrameUnknown FrameKind = iota
	FramePing
	FramePong
	FrameConnectAck
	FrameHistoryAck
	FrameChat
	FrameDonation
)

func (k FrameKind) String() string {
	switch k {
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameConnectAck:
		return "connect_ack"
	case FrameHistoryAck:
		return "history_ack"
	case FrameChat:
		return "chat"
	case FrameDonation:
		return "donation"
	default:
		return "unknown"
	}
}

// Frame is a decoded inbound frame.
type Frame struct {
	Cmd       int
	Kind      FrameKind
	SessionID string
	Body      json.RawMessage
}

type outbound struct {
	Ver   string `json:"ver"`
	SvcID string `json:"svcid,omitempty"`
	CID   string `json:"cid,omitempty"`
	Cmd   int    `json:"cmd"`
	TID   int    `json:"tid,omitempty"`
	SID   string `json:"sid,omitempty"`
	Bdy   any    `json:"bdy,omitempty"`
}

type connectBody struct {
	UID     string `json:"uid"`
	DevType int    `json:"devType"`
	AccTkn  string `json:"accTkn"`
	Auth    string `json:"auth"`
}

type recentChatBody struct {
	RecentMessageCount int `json:"recentMessageCount"`
}

// EncodeConnect builds the frame that opens a chat session.
func EncodeConnect(chatRoomID, userIDHash, accessToken string) ([]byte, error) {
	return json.Marshal(outbound{
		Ver:   protocolVersion,
		SvcID: serviceID,
		CID:   chatRoomID,
		Cmd:   CmdConnect,
		TID:   1,
		Bdy: connectBody{
			UID:     userIDHash,
			DevType: deviceType,
			AccTkn:  accessToken,
			Auth:    authRoleSend,
		},
	})
}

// EncodeRecentChatRequest asks the server to replay the most recent messages.
func EncodeRecentChatRequest(chatRoomID, sessionID string) ([]byte, error) {
	return json.Marshal(outbound{
		Ver:   protocolVersion,
		SvcID: serviceID,
		CID:   chatRoomID,
		Cmd:   CmdRequestRecentChat,
		TID:   2,
		SID:   sessionID,
		Bdy:   recentChatBody{RecentMessageCount: recentChatHistory},
	})
}

// EncodePong answers a server ping.
func EncodePong() []byte {
	return []byte(`{"ver":"2","cmd":10000}`)
}

type inbound struct {
	Cmd *int            `json:"cmd"`
	Bdy json.RawMessage `json:"bdy"`
}

// Decode parses an inbound frame. Unrecognized command codes decode to
// FrameUnknown without error.
func Decode(data []byte) (Frame, error) {
	var raw inbound
	if err := json.Unmarshal(data, &raw); err != nil {
		return Frame{}, &MalformedFrameError{Reason: "invalid json", Err: err}
	}
	if raw.Cmd == nil {
		return Frame{}, &MalformedFrameError{Reason: "missing cmd"}
	}

	frame := Frame{Cmd: *raw.Cmd, Kind: classify(*raw.Cmd), Body: raw.Bdy}
	if frame.Kind == FrameConnectAck || frame.Kind == FrameHistoryAck {
		frame.SessionID = sessionID(raw.Bdy)
	}
	return frame, nil
}

func classify(cmd int) FrameKind {
	switch cmd {
	case CmdPing:
		return FramePing
	case CmdPong:
		return FramePong
	case CmdConnected:
		return FrameConnectAck
	case CmdRecentChat:
		return FrameHistoryAck
	case CmdChat:
		return FrameChat
	case CmdDonation:
		return FrameDonation
	default:
		return FrameUnknown
	}
}

func sessionID(body json.RawMessage) string {
	if len(body) == 0 {
		return ""
	}
	var ack struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(body, &ack); err != nil {
		return ""
	}
	return ack.SID
}

// Elements splits the body of a chat or donation frame into its elements.
func (f Frame) Elements() ([]json.RawMessage, error) {
	body := bytes.TrimSpace(f.Body)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return nil, nil
	}
	var elements []json.RawMessage
	if err := json.Unmarshal(body, &elements); err != nil {
		return nil, &MalformedFrameError{Reason: fmt.Sprintf("cmd %d body is not an array", f.Cmd), Err: err}
	}
	return elements, nil
}
