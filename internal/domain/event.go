package domain

import (
	"strings"
	"time"

	"github.com/go-badge-sync/internal/pkg/validate"
)

// NotificationEvent is the push-channel payload. Older producers send the
// identifier as "_id"; both spellings are accepted.
type NotificationEvent struct {
	ID               string  `json:"id" validate:"required"`
	LegacyID         string  `json:"_id,omitempty"`
	UserID           string  `json:"userId" validate:"required"`
	Type             string  `json:"type" validate:"required,oneof=like comment event_rsvp message follow story_view"`
	SourceUserID     string  `json:"sourceUserId" validate:"required"`
	SourceUserName   string  `json:"sourceUserName" validate:"required"`
	SourceUserAvatar *string `json:"sourceUserAvatar,omitempty"`
	ContentID        *string `json:"contentId,omitempty"`
	ContentTitle     *string `json:"contentTitle,omitempty"`
	Message          string  `json:"message" validate:"required"`
	IsRead           bool    `json:"isRead"`
	CreatedAt        string  `json:"createdAt" validate:"required"`
}

// ToRecord converts the payload into a Notification. A missing id is fatal and
// the event must be dropped. Any other problem yields a usable record together
// with a *MalformedEventError whose Salvaged flag is set. A missing or
// unparseable createdAt is replaced by received.
func (e NotificationEvent) ToRecord(received time.Time) (Notification, error) {
	if e.ID == "" {
		e.ID = e.LegacyID
	}
	e.ID = strings.TrimSpace(e.ID)

	violations, err := validate.Violations(e)
	if err != nil {
		return Notification{}, &MalformedEventError{Field: "event", Reason: err.Error()}
	}

	var salvaged *MalformedEventError
	for _, v := range violations {
		if v.Field == "ID" {
			return Notification{}, &MalformedEventError{Field: "id", Reason: "is missing"}
		}
		if salvaged == nil {
			salvaged = &MalformedEventError{Field: v.Field, Reason: "failed " + v.Tag, Salvaged: true}
		}
	}

	createdAt, perr := time.Parse(time.RFC3339Nano, e.CreatedAt)
	if perr != nil {
		createdAt = received
		if salvaged == nil {
			salvaged = &MalformedEventError{Field: "CreatedAt", Reason: "is not RFC3339", Salvaged: true}
		}
	}

	n := Notification{
		ID:                  e.ID,
		UserID:              e.UserID,
		Category:            Category(e.Type),
		SourceActorID:       e.SourceUserID,
		SourceActorName:     e.SourceUserName,
		SourceActorAvatar:   e.SourceUserAvatar,
		SubjectContentID:    e.ContentID,
		SubjectContentTitle: e.ContentTitle,
		Message:             e.Message,
		IsRead:              e.IsRead,
		CreatedAt:           createdAt.UTC(),
	}
	if salvaged != nil {
		return n, salvaged
	}
	return n, nil
}
