package tui

import "github.com/berth-dev/baton/internal/watch"

// NotificationMsg carries one notification from the hub.
type NotificationMsg struct {
	Notification watch.Notification
}

// ClosedMsg signals that the subscription ended. Err is
// watch.ErrSubscriberLagged when the view fell behind.
type ClosedMsg struct {
	Err error
}
