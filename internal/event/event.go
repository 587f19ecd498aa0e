// Package event decodes post notifications into typed creation events.
package event

import "errors"

// Type is the kind of post notification.
type Type string

const (
	// TypeCreated is the only actionable notification.
	TypeCreated Type = "CREATED"
	// TypeUnknown stands in for a missing eventType.
	TypeUnknown Type = "UNKNOWN"
)

// Payload keys.
const (
	KeyEventType = "eventType"
	KeyAuthorID  = "userId"
	KeyPostID    = "postId"
)

var (
	// ErrIgnored means the notification is well formed but not a creation event.
	ErrIgnored = errors.New("event ignored")
	// ErrMalformed means the payload could not be turned into a creation event.
	ErrMalformed = errors.New("malformed event")
)

// PostCreation is a validated post-creation event.
type PostCreation struct {
	Type     Type
	AuthorID string
	PostID   string
}
