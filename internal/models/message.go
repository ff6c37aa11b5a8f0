package models

import (
	"strings"
	"time"
)

// DeleteScope selects how a message deletion applies.
type DeleteScope string

const (
	// DeleteScopeMe hides the message for the requesting user only.
	DeleteScopeMe DeleteScope = "me"
	// DeleteScopeEveryone tombstones the message for all participants.
	DeleteScopeEveryone DeleteScope = "everyone"
)

// ParseDeleteScope validates a raw scope string.
func ParseDeleteScope(raw string) (DeleteScope, error) {
	switch DeleteScope(raw) {
	case DeleteScopeMe, DeleteScopeEveryone:
		return DeleteScope(raw), nil
	default:
		return "", NewValidationError("scope must be 'me' or 'everyone'")
	}
}

// Attachment describes a file carried by a message. Stored as a JSON
// column on the message row since attachments are immutable once sent.
type Attachment struct {
	URL      string  `json:"url"`
	Type     string  `json:"type"`
	Name     string  `json:"name,omitempty"`
	Size     int64   `json:"size,omitempty"`
	Width    int     `json:"width,omitempty"`
	Height   int     `json:"height,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// Attachments is a JSON-serialized attachment list.
type Attachments []Attachment

// Message is a single chat message. Reactions, read receipts and per-user
// hides live in their own tables so concurrent toggles stay atomic; they
// are resolved into the computed fields when messages are loaded.
type Message struct {
	ID                 uint        `json:"id" gorm:"primarykey"`
	ConversationID     uint        `json:"conversationId" gorm:"index;not null"`
	SenderID           uint        `json:"senderId" gorm:"index;not null"`
	Sender             *User       `json:"-"`
	Text               string      `json:"text" gorm:"type:text"`
	Attachments        Attachments `json:"attachments,omitempty" gorm:"serializer:json"`
	ReplyToID          *uint       `json:"replyToId,omitempty"`
	DeletedForEveryone bool        `json:"deletedForEveryone" gorm:"default:false"`
	CreatedAt          time.Time   `json:"createdAt" gorm:"index"`
	UpdatedAt          time.Time   `json:"updatedAt"`

	// Computed per read, never persisted.
	SenderSummary *UserSummary    `json:"sender,omitempty" gorm:"-"`
	ReplyTo       *ReplyPreview   `json:"replyTo,omitempty" gorm:"-"`
	Reactions     []ReactionGroup `json:"reactions,omitempty" gorm:"-"`
	ReadBy        []uint          `json:"readBy,omitempty" gorm:"-"`
}

// ReplyPreview is the embedded shape of a quoted message. Available is
// false when the quoted message was deleted for everyone or is otherwise
// no longer visible.
type ReplyPreview struct {
	ID          uint        `json:"id"`
	SenderID    uint        `json:"senderId,omitempty"`
	Text        string      `json:"text,omitempty"`
	Attachments Attachments `json:"attachments,omitempty"`
	Available   bool        `json:"available"`
}

// ReactionGroup aggregates a single emoji's reactors on a message.
type ReactionGroup struct {
	Emoji   string `json:"emoji"`
	UserIDs []uint `json:"userIds"`
}

// MessageReaction is one user's reaction with one emoji on one message.
type MessageReaction struct {
	MessageID uint      `gorm:"primarykey;autoIncrement:false"`
	UserID    uint      `gorm:"primarykey;autoIncrement:false"`
	Emoji     string    `gorm:"primarykey"`
	CreatedAt time.Time
}

// MessageRead records that a user has read a message.
type MessageRead struct {
	MessageID uint      `gorm:"primarykey;autoIncrement:false"`
	UserID    uint      `gorm:"primarykey;autoIncrement:false"`
	CreatedAt time.Time
}

// MessageHide records a delete-for-me: the message stays for the peer but
// is filtered out of this user's reads.
type MessageHide struct {
	MessageID uint      `gorm:"primarykey;autoIncrement:false"`
	UserID    uint      `gorm:"primarykey;autoIncrement:false"`
	CreatedAt time.Time
}

// PreviewText builds the conversation list preview for a message,
// substituting a label when the message carries only attachments.
func (m *Message) PreviewText() string {
	if m.Text != "" {
		return m.Text
	}
	if len(m.Attachments) == 0 {
		return ""
	}
	// Prefix match so raw MIME types like "image/png" still label correctly.
	kind := m.Attachments[0].Type
	switch {
	case strings.HasPrefix(kind, "image"):
		return "📷 Photo"
	case strings.HasPrefix(kind, "video"):
		return "🎥 Video"
	case strings.HasPrefix(kind, "audio"):
		return "🎵 Audio"
	default:
		return "📎 Attachment"
	}
}
