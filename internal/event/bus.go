// Package event provides the host's pub/sub bus on top of watermill.
package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog"

	"github.com/abdulrahman305/jetbrains/internal/logging"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("event bus closed")

const metadataType = "type"

// Event is one delivered event. Data holds the JSON encoding of the
// published payload; use Decode to get it back.
type Event struct {
	ID   string          `json:"id"`
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the payload of ev.
func Decode[T any](ev Event) (T, error) {
	var out T
	if len(ev.Data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(ev.Data, &out); err != nil {
		return out, fmt.Errorf("decode %s event: %w", ev.Type, err)
	}
	return out, nil
}

// Subscriber receives events.
type Subscriber func(ev Event)

// Bus delivers events through a watermill GoChannel, one topic per event
// type. Publish returns once every subscriber of the type has handled the
// event, so a subscriber sees events of one type in publish order.
// Subscribers must not publish events of their own type or subscribe.
type Bus struct {
	pubsub *gochannel.GoChannel

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger
}

// NewBus creates a bus.
func NewBus() *Bus {
	log := logging.Component("event")
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{
				OutputChannelBuffer:            64,
				BlockPublishUntilSubscriberAck: true,
			},
			NewLoggerAdapter(log),
		),
		ctx:    ctx,
		cancel: cancel,
		log:    log,
	}
}

// Publish sends data as an event of type t.
func (b *Bus) Publish(t EventType, data any) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", t, err)
	}
	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(metadataType, string(t))
	if err := b.pubsub.Publish(string(t), msg); err != nil {
		return fmt.Errorf("publish %s: %w", t, err)
	}
	return nil
}

// Subscribe registers fn for events of type t and returns a function that
// cancels the subscription.
func (b *Bus) Subscribe(t EventType, fn Subscriber) func() {
	return b.subscribe([]EventType{t}, fn)
}

// SubscribeAll registers fn for every known event type.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	return b.subscribe(AllTypes, fn)
}

func (b *Bus) subscribe(types []EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}

	ctx, cancel := context.WithCancel(b.ctx)
	for _, t := range types {
		ch, err := b.pubsub.Subscribe(ctx, string(t))
		if err != nil {
			b.log.Error().Err(err).Str("type", string(t)).Msg("subscribe failed")
			continue
		}
		b.wg.Add(1)
		go b.consume(ch, fn)
	}
	return cancel
}

func (b *Bus) consume(ch <-chan *message.Message, fn Subscriber) {
	defer b.wg.Done()
	for msg := range ch {
		ev := Event{
			ID:   msg.UUID,
			Type: EventType(msg.Metadata.Get(metadataType)),
			Data: json.RawMessage(msg.Payload),
		}
		b.deliver(ev, fn)
		msg.Ack()
	}
}

func (b *Bus) deliver(ev Event, fn Subscriber) {
	defer func() {
		if v := recover(); v != nil {
			b.log.Error().Str("type", string(ev.Type)).Interface("panic", v).Msg("subscriber panicked")
		}
	}()
	fn(ev)
}

// Close stops delivery and waits for in-flight subscribers.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	err := b.pubsub.Close()
	b.wg.Wait()
	return err
}
