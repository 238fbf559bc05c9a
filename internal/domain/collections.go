// Package domain defines the memosync data model and the document layout it uses at rest.
package domain

// Collection names in the document store.
const (
	CollectionMemos           = "memos"
	CollectionUsers           = "users"
	CollectionHandles         = "customUIDs"
	CollectionRecommendations = "recommendations"
)

// Field names referenced by queries and partial updates.
const (
	FieldOwnerID      = "ownerId"
	FieldCustomUID    = "customUID"
	FieldFriends      = "friends"
	FieldRecentAnimes = "recentAnimes"
	FieldMyList       = "myList"
	FieldToUID        = "toUID"
)

// DefaultNamespace is the fixed local-cache key used by the shared local mode.
const DefaultNamespace = "SavedMemos"
