// Package notify sends triage outcome notifications over Slack and email.
package notify

import (
	"context"
	"errors"
	"fmt"
)

// Channel names recognized in notification routing.
const (
	ChannelSlack = "slack"
	ChannelEmail = "email"
)

// Notification is one outgoing message.
type Notification struct {
	Subject  string
	Body     string
	Urgency  string
	Channels []string
}

// Notifier delivers a notification.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// Router fans a notification out to per-channel senders. Channels with no
// configured sender are an error so misrouted alerts are never dropped
// silently.
type Router struct {
	senders map[string]Notifier
}

// NewRouter builds a router from channel name to sender.
func NewRouter(senders map[string]Notifier) *Router {
	copied := make(map[string]Notifier, len(senders))
	for k, v := range senders {
		copied[k] = v
	}
	return &Router{senders: copied}
}

// Send delivers to every channel named in the notification, or to all
// configured channels when none are named.
func (r *Router) Send(ctx context.Context, n Notification) error {
	channels := n.Channels
	if len(channels) == 0 {
		for name := range r.senders {
			channels = append(channels, name)
		}
	}
	var errs []error
	for _, ch := range channels {
		sender, ok := r.senders[ch]
		if !ok {
			errs = append(errs, fmt.Errorf("no sender configured for channel %q", ch))
			continue
		}
		if err := sender.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}
