package models

import (
	"fmt"
	"time"
)

// Conversation is a direct 1:1 thread between two users. The pair is
// canonicalized into ParticipantsKey so the same two users always map to
// the same row regardless of who initiated.
type Conversation struct {
	ID              uint       `json:"id" gorm:"primarykey"`
	ParticipantsKey string     `json:"-" gorm:"uniqueIndex;not null"`
	CreatedBy       uint       `json:"createdBy" gorm:"not null"`
	LastMessageID   *uint      `json:"lastMessageId,omitempty"`
	LastMessageText string     `json:"lastMessageText,omitempty"`
	LastMessageAt   *time.Time `json:"lastMessageAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`

	Participants []User `json:"-" gorm:"many2many:conversation_participants;"`

	// ParticipantIDs is loaded alongside single-conversation reads for
	// membership checks. It must be a visible JSON field so it survives the
	// cache round trip.
	ParticipantIDs []uint `json:"participantIds,omitempty" gorm:"-"`

	// Computed per viewer, never persisted.
	Peer        *UserSummary `json:"peer,omitempty" gorm:"-"`
	UnreadCount int64        `json:"unreadCount" gorm:"-"`
	IsFavorite  bool         `json:"isFavorite" gorm:"-"`
}

// ConversationParticipant is the join row carrying per-user conversation
// state: the read cursor and the favorite flag.
type ConversationParticipant struct {
	ConversationID uint      `json:"conversationId" gorm:"primarykey;autoIncrement:false"`
	UserID         uint      `json:"userId" gorm:"primarykey;autoIncrement:false"`
	JoinedAt       time.Time `json:"joinedAt" gorm:"autoCreateTime"`
	LastReadAt     time.Time `json:"lastReadAt"`
	IsFavorite     bool      `json:"isFavorite" gorm:"default:false"`
}

// ParticipantsKey canonicalizes a user pair into the unique conversation key.
// Order of the arguments does not matter.
func ParticipantsKey(a, b uint) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d:%d", a, b)
}
