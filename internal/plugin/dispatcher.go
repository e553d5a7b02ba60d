package plugin

import (
	"context"
	"fmt"
	"log/slog"

	"img2url/internal/bus"
	"img2url/internal/domain"
	"img2url/internal/metrics"
)

const defaultConcurrency = 5

// Dispatcher feeds inbound messages from the bus through the plugin chain
// and sends any reply back out.
type Dispatcher struct {
	registry    *Registry
	bus         domain.MessageBus
	events      *bus.EventBus
	logger      *slog.Logger
	concurrency int
}

type DispatcherConfig struct {
	Registry    *Registry
	Bus         domain.MessageBus
	Events      *bus.EventBus // optional
	Logger      *slog.Logger
	Concurrency int // max messages handled at once
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		registry:    cfg.Registry,
		bus:         cfg.Bus,
		events:      cfg.Events,
		logger:      cfg.Logger,
		concurrency: cfg.Concurrency,
	}
}

// Run consumes inbound messages with bounded concurrency until ctx is done
// or the bus closes.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started", "concurrency", d.concurrency)

	sem := make(chan struct{}, d.concurrency)
	inbound := d.bus.Subscribe()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return
		case msg, ok := <-inbound:
			if !ok {
				d.logger.Info("inbound channel closed, dispatcher stopping")
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			go func(m domain.InboundMessage) {
				defer func() { <-sem }()
				d.process(ctx, m)
			}(msg)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, msg domain.InboundMessage) {
	ec := d.Dispatch(ctx, msg)
	if ec.Reply == nil {
		return
	}
	d.bus.SendOutbound(domain.OutboundMessage{
		Channel: msg.Channel,
		ChatID:  msg.ChatID,
		Content: ec.Reply.Render(),
		Format:  "text",
	})
	metrics.RepliesTotal.Inc()
	d.emit(bus.EventReplySent, "dispatcher", map[string]any{
		"channel": msg.Channel,
		"chat_id": msg.ChatID,
		"error":   ec.Reply.Type == ReplyError,
	})
}

// Dispatch runs msg through the enabled plugins and returns the final context.
// The chain stops at the first plugin that sets Break or BreakPass.
func (d *Dispatcher) Dispatch(ctx context.Context, msg domain.InboundMessage) *EventContext {
	metrics.MessagesTotal.Inc()
	d.logger.Debug("dispatching message",
		"channel", msg.Channel,
		"sender", msg.SenderID,
		"type", msg.Type,
	)
	d.emit(bus.EventMessageReceived, msg.Channel, map[string]any{
		"id":     msg.ID,
		"sender": msg.SenderID,
		"type":   string(msg.Type),
	})

	ec := NewEventContext(msg)
	for _, p := range d.registry.Chain() {
		if err := d.invoke(ctx, p, ec); err != nil {
			d.logger.Error("plugin failed", "plugin", p.Info().Name, "error", err)
			continue
		}
		if ec.Action != Continue {
			d.logger.Debug("plugin chain stopped", "plugin", p.Info().Name, "action", ec.Action)
			break
		}
	}
	// Break falls through to default handling, which this host does not define.
	return ec
}

func (d *Dispatcher) invoke(ctx context.Context, p Plugin, ec *EventContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PluginPanics.Inc()
			d.emit(bus.EventPluginPanic, p.Info().Name, map[string]any{"panic": fmt.Sprint(r)})
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	p.HandleMessage(ctx, ec)
	return nil
}

func (d *Dispatcher) emit(eventType, source string, payload map[string]any) {
	if d.events == nil {
		return
	}
	d.events.Emit(bus.Event{Type: eventType, Source: source, Payload: payload})
}
