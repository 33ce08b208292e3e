package rocketgo

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/huihuaAI/auto-rocket/pkg/autorocket/channels"
)

// ConnectionState represents the current connection state.
type ConnectionState string

const (
	StateDisconnected   ConnectionState = "disconnected"
	StateConnecting     ConnectionState = "connecting"
	StateAuthenticating ConnectionState = "authenticating"
	StateConnected      ConnectionState = "connected"
	StateReconnecting   ConnectionState = "reconnecting"
)

// ConnectionEvent represents a connection state change event.
type ConnectionEvent struct {
	State     ConnectionState `json:"state"`
	Previous  ConnectionState `json:"previous,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Reason    string          `json:"reason,omitempty"`
	Details   map[string]any  `json:"details,omitempty"`
}

// ConnectionObserver receives connection state changes.
type ConnectionObserver interface {
	OnConnectionChange(evt ConnectionEvent)
}

// Send types used by the panel websocket. Only user messages produce frames;
// everything else is acknowledged and dropped.
const (
	sendTypeAck         = 1  // normal response to our own requests
	sendTypeUserMessage = 2  // message from an end user
	sendTypePeerRead    = 6  // the peer read our message
	sendTypeEcho        = 7  // echo of a message we sent
	sendTypeSystem      = 10 // platform system notice
)

// Media types inside the sms payload.
const (
	smsTypeImage   = 1
	smsTypeFile    = 2
	smsTypeVideo   = 3
	smsTypeAudio   = 4
	smsTypeContact = 7
	smsTypeGif     = 8
	smsTypeText    = 9
)

// flexString decodes JSON values that the panel serves inconsistently as
// either strings or numbers.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("value is neither string nor number: %s", data)
	}
	*f = flexString(n.String())
	return nil
}

func (f flexString) String() string { return string(f) }

// wsEnvelope is the outer websocket payload.
type wsEnvelope struct {
	SendType int         `json:"sendType"`
	SendInfo *wsSendInfo `json:"sendInfo"`
}

// wsSendInfo carries the message body for sendType == 2 payloads.
type wsSendInfo struct {
	Username     flexString `json:"username"`
	ChatContent  string     `json:"chatContent"`
	CsUsername   flexString `json:"csUsername"`
	CsID         flexString `json:"csId"`
	CsChatUserID flexString `json:"csChatUserId"`
	IsSend       int        `json:"isSend"`
	MessageID    flexString `json:"messageId"`
	ID           flexString `json:"id"`
	SMS          *wsSMS     `json:"sms"`
}

// wsSMS is the structured media payload nested in a user message.
type wsSMS struct {
	Type        int        `json:"type"`
	Text        string     `json:"text"`
	Caption     string     `json:"caption"`
	ImageURL    string     `json:"imageUrl"`
	FileURL     string     `json:"fileUrl"`
	FileName    string     `json:"fileName"`
	FileLength  flexString `json:"fileLength"`
	DisplayName string     `json:"displayName"`
}

// parseFrame decodes a raw websocket payload. It returns a frame only for
// user messages (sendType 2 with isSend == 0); every other payload kind
// yields (nil, nil) and is dropped by the caller. A decode failure is an
// error so the read loop can log it.
func parseFrame(raw []byte, receivedAt time.Time) (*channels.InboundFrame, error) {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decoding websocket payload: %w", err)
	}

	switch env.SendType {
	case sendTypeUserMessage:
		// Fall through to frame extraction below.
	case sendTypeAck, sendTypePeerRead, sendTypeEcho, sendTypeSystem:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown sendType %d", env.SendType)
	}

	info := env.SendInfo
	if info == nil || info.IsSend != 0 {
		// Messages we sent ourselves come back with isSend == 1.
		return nil, nil
	}

	frame := &channels.InboundFrame{
		ID:         info.MessageID.String(),
		UserID:     info.CsChatUserID.String(),
		AccountID:  info.CsUsername.String(),
		FriendID:   info.Username.String(),
		ChatLogID:  info.ID.String(),
		Text:       info.ChatContent,
		ReceivedAt: receivedAt,
	}
	if frame.ID == "" {
		frame.ID = info.ID.String()
	}

	classifyContent(info, frame)
	return frame, nil
}

// classifyContent maps the sms payload onto the frame's kind, text, and
// media reference.
func classifyContent(info *wsSendInfo, frame *channels.InboundFrame) {
	sms := info.SMS
	if sms == nil {
		frame.Kind = channels.KindText
		return
	}

	switch sms.Type {
	case smsTypeImage:
		frame.Kind = channels.KindImage
		frame.MediaURL = firstNonEmpty(sms.ImageURL, sms.FileURL)
		frame.Text = sms.Caption
	case smsTypeFile:
		frame.Kind = channels.KindFile
		frame.MediaURL = sms.FileURL
		frame.Text = sms.FileName
	case smsTypeVideo:
		frame.Kind = channels.KindVideo
		frame.MediaURL = sms.FileURL
		frame.Text = sms.Caption
	case smsTypeAudio:
		frame.Kind = channels.KindAudio
		frame.MediaURL = sms.FileURL
		frame.Text = sms.Caption
	case smsTypeContact:
		frame.Kind = channels.KindContact
		frame.Text = sms.DisplayName
	case smsTypeGif:
		frame.Kind = channels.KindGif
		frame.MediaURL = sms.FileURL
		frame.Text = sms.Caption
	case smsTypeText, 0:
		frame.Kind = channels.KindText
		if sms.Text != "" {
			frame.Text = sms.Text
		}
	default:
		frame.Kind = channels.KindUnknown
		frame.Text = "[unsupported message type " + strconv.Itoa(sms.Type) + "]"
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
