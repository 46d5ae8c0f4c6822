package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ActionType tags an offline queue item.
type ActionType string

const (
	ActionFavoriteToggle   ActionType = "favorite:toggle"
	ActionSavedPlaceCreate ActionType = "saved_place:create"
)

// Action is a typed queue payload. The set of implementations is closed.
type Action interface {
	Type() ActionType
	isAction()
}

// FavoriteToggle records a favorite flip. Favorite is the membership the
// user ended up with, so replaying the item more than once converges.
type FavoriteToggle struct {
	SpotID   ID   `json:"spotId"`
	Favorite bool `json:"favorite"`
}

func (FavoriteToggle) Type() ActionType { return ActionFavoriteToggle }
func (FavoriteToggle) isAction()        {}

// SavedPlaceCreate records a saved place created while offline.
type SavedPlaceCreate struct {
	Place Place `json:"place"`
}

func (SavedPlaceCreate) Type() ActionType { return ActionSavedPlaceCreate }
func (SavedPlaceCreate) isAction()        {}

// QueueStatus is the replay state of a queue item.
type QueueStatus string

const (
	QueuePending QueueStatus = "pending"
	QueueSynced  QueueStatus = "synced"
	QueueFailed  QueueStatus = "failed"
)

// QueueItem is a mutation waiting to be replayed against the backend.
type QueueItem struct {
	ID        string
	Action    Action
	Status    QueueStatus
	Attempts  int
	CreatedAt time.Time
}

// Type returns the action tag, or "" when the item carries no action.
func (q QueueItem) Type() ActionType {
	if q.Action == nil {
		return ""
	}
	return q.Action.Type()
}

type queueItemJSON struct {
	ID        string          `json:"id"`
	Type      ActionType      `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Status    QueueStatus     `json:"status"`
	Attempts  int             `json:"attempts"`
	CreatedAt int64           `json:"createdAt"`
}

// MarshalJSON keeps the {type, payload} wire shape. createdAt is unix millis.
func (q QueueItem) MarshalJSON() ([]byte, error) {
	payload := json.RawMessage("{}")
	if q.Action != nil {
		data, err := json.Marshal(q.Action)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", q.Action.Type(), err)
		}
		payload = data
	}

	return json.Marshal(queueItemJSON{
		ID:        q.ID,
		Type:      q.Type(),
		Payload:   payload,
		Status:    q.Status,
		Attempts:  q.Attempts,
		CreatedAt: q.CreatedAt.UnixMilli(),
	})
}

// UnmarshalJSON decodes the payload by its type tag. Unknown tags return
// ErrUnknownAction.
func (q *QueueItem) UnmarshalJSON(data []byte) error {
	var raw queueItemJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	action, err := decodeAction(raw.Type, raw.Payload)
	if err != nil {
		return err
	}

	status := raw.Status
	if status == "" {
		status = QueuePending
	}

	*q = QueueItem{
		ID:        raw.ID,
		Action:    action,
		Status:    status,
		Attempts:  raw.Attempts,
		CreatedAt: time.UnixMilli(raw.CreatedAt),
	}
	return nil
}

func decodeAction(t ActionType, payload json.RawMessage) (Action, error) {
	if len(payload) == 0 || string(payload) == "null" {
		payload = json.RawMessage("{}")
	}

	switch t {
	case ActionFavoriteToggle:
		var a FavoriteToggle
		if err := json.Unmarshal(payload, &a); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return a, nil
	case ActionSavedPlaceCreate:
		var a SavedPlaceCreate
		if err := json.Unmarshal(payload, &a); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return a, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, t)
	}
}

// QueuePatch updates status and attempts of an item; nil fields are kept.
type QueuePatch struct {
	Status   *QueueStatus
	Attempts *int
}

// Apply merges the patch into item.
func (p QueuePatch) Apply(item *QueueItem) {
	if p.Status != nil {
		item.Status = *p.Status
	}
	if p.Attempts != nil {
		item.Attempts = *p.Attempts
	}
}

// NewQueueID returns "<unix-millis>-<random suffix>".
func NewQueueID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%d-%s", now.UnixMilli(), suffix)
}

// Expired reports whether the item is older than ttl at now.
func (q QueueItem) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(q.CreatedAt) > ttl
}

// PruneExpired returns the items not older than ttl, preserving order.
func PruneExpired(items []QueueItem, now time.Time, ttl time.Duration) []QueueItem {
	out := make([]QueueItem, 0, len(items))
	for _, item := range items {
		if !item.Expired(now, ttl) {
			out = append(out, item)
		}
	}
	return out
}

// EvictOverCap drops the oldest items so at most limit remain.
func EvictOverCap(items []QueueItem, limit int) []QueueItem {
	if limit <= 0 || len(items) <= limit {
		return items
	}
	out := make([]QueueItem, limit)
	copy(out, items[len(items)-limit:])
	return out
}
