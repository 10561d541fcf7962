package domain

import "time"

// Category is the notification kind. The set is closed; records carrying any
// other value are still tracked but only counted toward the badge total.
type Category string

const (
	CategoryLike      Category = "like"
	CategoryComment   Category = "comment"
	CategoryEventRSVP Category = "event_rsvp"
	CategoryMessage   Category = "message"
	CategoryFollow    Category = "follow"
	CategoryStoryView Category = "story_view"
)

// Categories returns every known category in display order.
func Categories() []Category {
	return []Category{
		CategoryLike,
		CategoryComment,
		CategoryEventRSVP,
		CategoryMessage,
		CategoryFollow,
		CategoryStoryView,
	}
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryLike, CategoryComment, CategoryEventRSVP, CategoryMessage, CategoryFollow, CategoryStoryView:
		return true
	}
	return false
}

// Notification is one notification and its read flag. Two values with the same
// ID describe the same logical notification; CreatedAt orders their writes.
type Notification struct {
	ID                  string    `json:"id" dynamodbav:"notification_id"`
	UserID              string    `json:"userId" dynamodbav:"user_id"`
	Category            Category  `json:"type" dynamodbav:"type"`
	SourceActorID       string    `json:"sourceUserId" dynamodbav:"source_user_id"`
	SourceActorName     string    `json:"sourceUserName" dynamodbav:"source_user_name"`
	SourceActorAvatar   *string   `json:"sourceUserAvatar,omitempty" dynamodbav:"source_user_avatar,omitempty"`
	SubjectContentID    *string   `json:"contentId,omitempty" dynamodbav:"content_id,omitempty"`
	SubjectContentTitle *string   `json:"contentTitle,omitempty" dynamodbav:"content_title,omitempty"`
	Message             string    `json:"message" dynamodbav:"message"`
	IsRead              bool      `json:"isRead" dynamodbav:"is_read"`
	CreatedAt           time.Time `json:"createdAt" dynamodbav:"created_at"`
}

// Snapshot is an authoritative listing of a user's notifications.
// AsOf is the cursor: local state newer than it is never overwritten.
// Seq orders reconciliations; zero means unsequenced.
type Snapshot struct {
	Records []Notification
	AsOf    time.Time
	Seq     uint64
}

// MarkReadRequest describes one optimistic mark-read awaiting persistence.
// All marks every unread notification, optionally restricted to Category.
type MarkReadRequest struct {
	Token    string    `json:"token"`
	IDs      []string  `json:"ids"`
	All      bool      `json:"all"`
	Category *Category `json:"category,omitempty"`
	IssuedAt time.Time `json:"issued_at"`
}
