package domain

import "time"

// ContentType classifies an inbound message.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
)

// Envelope is the channel-specific raw message an image arrived in.
// Channels that can resolve media (gewechat) expose the XML-bearing field here.
type Envelope interface {
	XMLPayload() (string, error)
}

type InboundMessage struct {
	ID        string
	Channel   string
	ChatID    string
	SenderID  string
	Type      ContentType
	Content   string
	Envelope  Envelope // nil for channels without a media envelope
	Timestamp time.Time
}

type OutboundMessage struct {
	Channel string
	ChatID  string
	Content string
	Format  string // text | markdown
}
