// Package plugin is the message-handling host: plugins see each inbound
// message in priority order and may set a reply and stop the chain.
package plugin

import (
	"context"

	"img2url/internal/domain"
)

// Action tells the dispatcher what to do after a plugin returns.
type Action int

const (
	// Continue hands the message to the next plugin.
	Continue Action = iota
	// Break stops the plugin chain and lets the host default handling run.
	Break
	// BreakPass stops the chain and skips default handling; the reply is sent as is.
	BreakPass
)

func (a Action) String() string {
	switch a {
	case Continue:
		return "continue"
	case Break:
		return "break"
	case BreakPass:
		return "break_pass"
	default:
		return "unknown"
	}
}

type ReplyType int

const (
	ReplyText ReplyType = iota
	ReplyError
)

type Reply struct {
	Type    ReplyType
	Content string
}

// Render returns the text delivered to the user. Error replies carry an [ERROR] banner.
func (r Reply) Render() string {
	if r.Type == ReplyError {
		return "[ERROR]\n" + r.Content
	}
	return r.Content
}

// Kwarg keys recognized by the host.
const (
	// KwargNoImageParse asks downstream handlers not to re-interpret the reply as an image.
	KwargNoImageParse = "no_image_parse"
)

// EventContext is the mutable state a message carries through the plugin chain.
type EventContext struct {
	Message domain.InboundMessage
	Reply   *Reply
	Action  Action
	Kwargs  map[string]any
}

func NewEventContext(msg domain.InboundMessage) *EventContext {
	return &EventContext{Message: msg, Action: Continue, Kwargs: make(map[string]any)}
}

// SetReply sets the reply and the action in one step.
func (ec *EventContext) SetReply(t ReplyType, content string, action Action) {
	ec.Reply = &Reply{Type: t, Content: content}
	ec.Action = action
}

// Info describes a plugin for registration and listing.
type Info struct {
	Name        string
	Description string
	Version     string
	Priority    int // higher runs first
}

// Plugin handles inbound messages.
type Plugin interface {
	Info() Info
	// HandleMessage inspects ec and may set a reply and an action.
	// Leaving the action at Continue passes the message on.
	HandleMessage(ctx context.Context, ec *EventContext)
	HelpText() string
}
