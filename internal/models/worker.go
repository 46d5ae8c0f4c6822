package models

import (
	"encoding/json"
	"fmt"
)

// Message types exchanged between pages and the edge worker.
const (
	MsgApplyUpdate  = "SW_APPLY_UPDATE"
	MsgPrimeShell   = "PRIME_SHELL"
	MsgHello        = "HELLO"
	MsgActivated    = "SW_ACTIVATED"
	MsgNotification = "NOTIFICATION"
	MsgNavigate     = "NAVIGATE"
	MsgFocus        = "FOCUS"
	MsgOpenWindow   = "OPEN_WINDOW"
)

// WorkerMessage is one frame on the page/worker channel.
type WorkerMessage struct {
	Type         string        `json:"type"`
	URL          string        `json:"url,omitempty"`
	Version      string        `json:"version,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

// UnmarshalJSON accepts both the object form and a bare string such as
// "SW_APPLY_UPDATE".
func (m *WorkerMessage) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*m = WorkerMessage{Type: s}
		return nil
	}

	type plain WorkerMessage
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode worker message: %w", err)
	}
	*m = WorkerMessage(p)
	return nil
}

// NotificationAction is a button on a notification.
type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notification is a decoded push payload.
type Notification struct {
	Title   string               `json:"title"`
	Body    string               `json:"body,omitempty"`
	URL     string               `json:"url,omitempty"`
	Tag     string               `json:"tag,omitempty"`
	Actions []NotificationAction `json:"actions,omitempty"`
}
