// Package channel delivers published artifacts to an external messaging
// platform.
package channel

import (
	"context"
	"time"
)

// Message is the content handed to a channel.
type Message struct {
	ArtifactID string
	Text       string
	ImageURL   string
}

// Receipt identifies a message or native schedule on the channel.
type Receipt struct {
	ExternalID string
}

// Confirmation reports whether a natively scheduled message has gone out.
type Confirmation struct {
	Delivered   bool
	DeliveredAt time.Time
}

// Adapter is a messaging platform. Errors are *model.ChannelError.
type Adapter interface {
	Send(ctx context.Context, channelRef string, msg Message) (Receipt, error)
	ScheduleNative(ctx context.Context, channelRef string, msg Message, at time.Time) (Receipt, error)
	Confirm(ctx context.Context, channelRef, externalID string) (Confirmation, error)
}
