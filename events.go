package authflow

import (
	"context"
	"io"

	"github.com/MrEthical07/authflow/internal/events"
)

// Event is one notification emitted by the client.
type Event = events.Event

// EventSink receives events from the dispatcher goroutine.
type EventSink = events.Sink

// EventSinkFunc adapts a function to [EventSink].
type EventSinkFunc = events.FuncSink

// Event types.
const (
	EventNotifySuccess = "notify.success"
	EventNotifyError   = "notify.error"
	EventWelcome       = "auth.welcome"
	EventNavigate      = "navigate"
	EventStateChanged  = "auth.state"
)

// Navigation targets carried by [EventNavigate].
const (
	TargetLogin              = "login"
	TargetHome               = "home"
	TargetTwoFactor          = "two-factor"
	TargetDeviceVerification = "device-verification"
	TargetAgeVerification    = "age-verification"
)

// NewChannelSink returns a sink that buffers events in a channel.
func NewChannelSink(buffer int) *events.ChannelSink {
	return events.NewChannelSink(buffer)
}

// NewJSONWriterSink returns a sink writing one JSON object per line to w.
func NewJSONWriterSink(w io.Writer) *events.JSONWriterSink {
	return events.NewJSONWriterSink(w)
}

func (c *Client) emit(ctx context.Context, e Event) {
	e.Timestamp = c.now()
	c.events.Emit(context.WithoutCancel(ctx), e)
}

func (c *Client) navigate(ctx context.Context, target string) {
	c.emit(ctx, Event{Type: EventNavigate, Target: target})
}

// EventsDropped returns the number of events dropped under backpressure.
func (c *Client) EventsDropped() uint64 {
	return c.events.Dropped()
}
