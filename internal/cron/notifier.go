package cron

import "context"

// Notifier delivers user-facing and operator-facing messages produced by
// scheduled jobs. Delivery failures never roll back order state.
type Notifier interface {
	NotifyUser(ctx context.Context, tgID int64, text string) error
	NotifyAdmins(ctx context.Context, text string) error
}

// NopNotifier drops every message. Useful when a worker runs without a
// delivery channel configured.
type NopNotifier struct{}

func (NopNotifier) NotifyUser(ctx context.Context, tgID int64, text string) error { return nil }

func (NopNotifier) NotifyAdmins(ctx context.Context, text string) error { return nil }
