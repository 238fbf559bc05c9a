// Package events broadcasts session events (collection changes, sync state,
// notices, and social outcomes) to in-process subscribers.
package events

import (
	"time"

	"github.com/animemo/memosync/internal/domain"
)

// EventType represents the type of Event.
type EventType string

const (
	// EventCollectionChanged carries the canonical collection after a change.
	EventCollectionChanged EventType = "collection.changed"
	// EventSyncState reports a Loading/Synced/SignedOut transition.
	EventSyncState EventType = "sync.state"

	// EventNoticeAck is a transient success acknowledgment.
	EventNoticeAck EventType = "notice.ack"
	// EventNoticeFailure is a failure notice, retained until dismissed.
	EventNoticeFailure EventType = "notice.failure"
	// EventNoticeDismissed reports that a failure notice was dismissed.
	EventNoticeDismissed EventType = "notice.dismissed"

	// EventFriendAsymmetric reports a friendship written on one side only.
	EventFriendAsymmetric EventType = "friend.asymmetric"
	// EventRecentPublished reports a write of the public recent summary.
	EventRecentPublished EventType = "recent.published"
)

// Event is delivered to clients. Identity scopes the event to one user;
// empty means everyone.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
	Type      EventType `json:"type"`
	Identity  string    `json:"identity,omitempty"`
}

// CollectionChangedData is the payload of EventCollectionChanged.
type CollectionChangedData struct {
	State   string               `json:"state"`
	Records []domain.WatchRecord `json:"records"`
}

// SyncStateData is the payload of EventSyncState.
type SyncStateData struct {
	State string `json:"state"`
}

// AckData is the payload of EventNoticeAck.
type AckData struct {
	Message string `json:"message"`
}

// NoticeDismissedData is the payload of EventNoticeDismissed.
type NoticeDismissedData struct {
	NoticeID string `json:"noticeId"`
}

// FriendAsymmetricData is the payload of EventFriendAsymmetric.
type FriendAsymmetricData struct {
	FromHandle string `json:"fromHandle"`
	ToHandle   string `json:"toHandle"`
	Error      string `json:"error"`
}

// RecentPublishedData is the payload of EventRecentPublished.
type RecentPublishedData struct {
	Titles []string `json:"titles"`
}

// NewCollectionChangedEvent creates a collection.changed event.
func NewCollectionChangedEvent(identity, state string, records []domain.WatchRecord) Event {
	return Event{
		Type:      EventCollectionChanged,
		Identity:  identity,
		Data:      CollectionChangedData{State: state, Records: records},
		Timestamp: time.Now(),
	}
}

// NewSyncStateEvent creates a sync.state event.
func NewSyncStateEvent(identity, state string) Event {
	return Event{
		Type:      EventSyncState,
		Identity:  identity,
		Data:      SyncStateData{State: state},
		Timestamp: time.Now(),
	}
}

// NewAckEvent creates a notice.ack event.
func NewAckEvent(identity, message string) Event {
	return Event{
		Type:      EventNoticeAck,
		Identity:  identity,
		Data:      AckData{Message: message},
		Timestamp: time.Now(),
	}
}

// NewFailureEvent creates a notice.failure event for n.
func NewFailureEvent(n Notice) Event {
	return Event{
		Type:      EventNoticeFailure,
		Identity:  n.Identity,
		Data:      n,
		Timestamp: n.CreatedAt,
	}
}

// NewNoticeDismissedEvent creates a notice.dismissed event.
func NewNoticeDismissedEvent(identity, noticeID string) Event {
	return Event{
		Type:      EventNoticeDismissed,
		Identity:  identity,
		Data:      NoticeDismissedData{NoticeID: noticeID},
		Timestamp: time.Now(),
	}
}

// NewFriendAsymmetricEvent creates a friend.asymmetric event.
func NewFriendAsymmetricEvent(identity, fromHandle, toHandle string, err error) Event {
	data := FriendAsymmetricData{FromHandle: fromHandle, ToHandle: toHandle}
	if err != nil {
		data.Error = err.Error()
	}
	return Event{
		Type:      EventFriendAsymmetric,
		Identity:  identity,
		Data:      data,
		Timestamp: time.Now(),
	}
}

// NewRecentPublishedEvent creates a recent.published event.
func NewRecentPublishedEvent(identity string, titles []string) Event {
	return Event{
		Type:      EventRecentPublished,
		Identity:  identity,
		Data:      RecentPublishedData{Titles: titles},
		Timestamp: time.Now(),
	}
}
