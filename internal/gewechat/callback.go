package gewechat

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"img2url/internal/domain"

	"github.com/google/uuid"
)

// Gewechat message types carried in CallbackData.MsgType.
const (
	MsgTypeText  = 1
	MsgTypeImage = 3

	typeNameAddMsg = "AddMsg"
	groupSuffix    = "@chatroom"
)

// ErrEmptyContent is returned by Envelope.XMLPayload when the callback carried no content.
var ErrEmptyContent = errors.New("gewechat message has no content")

// StringField is gewechat's {"string": "..."} wrapper.
type StringField struct {
	String string `json:"string"`
}

// CallbackMessage is the JSON body gewechat POSTs to the callback URL.
type CallbackMessage struct {
	TypeName string        `json:"TypeName"`
	Appid    string        `json:"Appid"`
	Wxid     string        `json:"Wxid"` // the bot account that received the message
	Data     *CallbackData `json:"Data"`

	// Present only on the connectivity check gewechat sends when the callback is set.
	TestMsg string `json:"testMsg,omitempty"`
}

type CallbackData struct {
	MsgID        int64       `json:"MsgId"`
	NewMsgID     int64       `json:"NewMsgId"`
	FromUserName StringField `json:"FromUserName"`
	ToUserName   StringField `json:"ToUserName"`
	MsgType      int         `json:"MsgType"`
	Content      StringField `json:"Content"`
	PushContent  string      `json:"PushContent,omitempty"`
	CreateTime   int64       `json:"CreateTime"`
}

// Envelope exposes the raw callback content of an image message.
type Envelope struct {
	Data CallbackData
}

// XMLPayload returns the raw Content string. For group messages it still
// starts with the "wxid:\n" sender prefix; callers slice from the XML declaration.
func (e Envelope) XMLPayload() (string, error) {
	if e.Data.Content.String == "" {
		return "", ErrEmptyContent
	}
	return e.Data.Content.String, nil
}

// IsGroup reports whether the message was posted in a group chat.
func (m *CallbackMessage) IsGroup() bool {
	return m.Data != nil && strings.HasSuffix(m.Data.FromUserName.String, groupSuffix)
}

// splitGroupContent separates "wxid_xxx:\nbody" into sender and body.
func splitGroupContent(content string) (sender, body string) {
	idx := strings.Index(content, ":\n")
	if idx <= 0 {
		return "", content
	}
	return content[:idx], content[idx+2:]
}

// ToInbound converts an AddMsg callback into an inbound message for the bus.
// It reports false for anything the host does not route: non-AddMsg
// callbacks, unsupported message types, and messages the bot sent itself.
func (m *CallbackMessage) ToInbound(channel string) (domain.InboundMessage, bool) {
	if m.TypeName != typeNameAddMsg || m.Data == nil {
		return domain.InboundMessage{}, false
	}
	d := m.Data

	var kind domain.ContentType
	switch d.MsgType {
	case MsgTypeText:
		kind = domain.ContentText
	case MsgTypeImage:
		kind = domain.ContentImage
	default:
		return domain.InboundMessage{}, false
	}

	chatID := d.FromUserName.String
	if m.Wxid != "" && chatID == m.Wxid {
		return domain.InboundMessage{}, false
	}

	senderID := chatID
	content := d.Content.String
	if m.IsGroup() {
		senderID, content = splitGroupContent(content)
	}

	msg := domain.InboundMessage{
		ID:       strconv.FormatInt(d.NewMsgID, 10),
		Channel:  channel,
		ChatID:   chatID,
		SenderID: senderID,
		Type:     kind,
	}
	if d.NewMsgID == 0 {
		msg.ID = uuid.NewString()
	}
	if d.CreateTime > 0 {
		msg.Timestamp = time.Unix(d.CreateTime, 0)
	} else {
		msg.Timestamp = time.Now()
	}

	if kind == domain.ContentImage {
		msg.Envelope = Envelope{Data: *d}
	} else {
		msg.Content = strings.TrimSpace(content)
	}
	return msg, true
}
