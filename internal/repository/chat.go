package repository

import (
	"context"
	"errors"
	"time"

	"bazaar/internal/cache"
	"bazaar/internal/models"
	"bazaar/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ChatRepository defines the interface for conversation and message data operations.
type ChatRepository interface {
	FindOrCreateConversation(ctx context.Context, userID, peerID uint) (*models.Conversation, bool, error)
	GetConversation(ctx context.Context, id uint) (*models.Conversation, error)
	GetUserConversations(ctx context.Context, userID uint) ([]*models.Conversation, error)
	GetParticipant(ctx context.Context, convID, userID uint) (*models.ConversationParticipant, error)
	IsParticipant(ctx context.Context, convID, userID uint) (bool, error)
	SetFavorite(ctx context.Context, convID, userID uint, favorite bool) error

	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id uint) (*models.Message, error)
	GetMessagesByIDs(ctx context.Context, ids []uint) ([]*models.Message, error)
	GetMessages(ctx context.Context, convID, viewerID uint, before *time.Time, limit int) ([]*models.Message, error)
	GetSharedMessages(ctx context.Context, convID, viewerID uint) ([]*models.Message, error)
	CountUnread(ctx context.Context, convID, userID uint) (int64, error)

	MarkMessagesRead(ctx context.Context, convID, userID uint, messageIDs []uint) ([]uint, error)
	ToggleReaction(ctx context.Context, msgID, userID uint, emoji string) (added bool, err error)
	HideMessage(ctx context.Context, msgID, userID uint) error
	TombstoneMessage(ctx context.Context, msgID uint) error
	UpdateLastMessage(ctx context.Context, convID uint, msgID uint, text string, at time.Time) error

	ReactionsForMessages(ctx context.Context, msgIDs []uint) (map[uint][]models.ReactionGroup, error)
	ReadsForMessages(ctx context.Context, msgIDs []uint) (map[uint][]uint, error)
}

type chatRepository struct {
	db      *gorm.DB
	metrics *observability.DatabaseMetrics
}

// NewChatRepository creates a new chat repository.
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db, metrics: observability.NewDatabaseMetrics(db)}
}

// FindOrCreateConversation returns the canonical conversation for the pair,
// creating it if it does not exist. The unique participants_key index keeps
// concurrent creators from racing into duplicates; losers fall through to
// the fetch. The bool reports whether a new conversation was created.
func (r *chatRepository) FindOrCreateConversation(ctx context.Context, userID, peerID uint) (*models.Conversation, bool, error) {
	if userID == peerID {
		return nil, false, models.NewValidationError("Cannot start a conversation with yourself")
	}
	key := models.ParticipantsKey(userID, peerID)

	conv := models.Conversation{
		ParticipantsKey: key,
		CreatedBy:       userID,
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "participants_key"}}, DoNothing: true}).
		Create(&conv)
	if res.Error != nil {
		return nil, false, models.NewInternalError(res.Error)
	}
	created := res.RowsAffected > 0

	if !created {
		if err := r.db.WithContext(ctx).Where("participants_key = ?", key).First(&conv).Error; err != nil {
			return nil, false, models.NewInternalError(err)
		}
	}

	// Seed per-user state rows. The creator starts read up to now; the peer
	// starts with everything unread.
	now := time.Now()
	participants := []models.ConversationParticipant{
		{ConversationID: conv.ID, UserID: userID, LastReadAt: now},
		{ConversationID: conv.ID, UserID: peerID, LastReadAt: time.Unix(0, 0)},
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&participants).Error; err != nil {
		return nil, false, models.NewInternalError(err)
	}

	return &conv, created, nil
}

// GetConversation reads the conversation and its participant IDs through the
// conversation cache.
func (r *chatRepository) GetConversation(ctx context.Context, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := cache.Aside(ctx, cache.ConversationKey(id), &conv, cache.ConversationTTL, func() error {
		if err := r.db.WithContext(ctx).First(&conv, id).Error; err != nil {
			return err
		}
		return r.db.WithContext(ctx).
			Model(&models.ConversationParticipant{}).
			Where("conversation_id = ?", id).
			Order("user_id ASC").
			Pluck("user_id", &conv.ParticipantIDs).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Conversation", id)
		}
		return nil, models.NewInternalError(err)
	}
	return &conv, nil
}

func (r *chatRepository) GetUserConversations(ctx context.Context, userID uint) ([]*models.Conversation, error) {
	defer r.metrics.TrackQuery("select", "conversations")()

	var conversations []*models.Conversation
	err := r.db.WithContext(ctx).
		Joins("JOIN conversation_participants cp ON conversations.id = cp.conversation_id").
		Where("cp.user_id = ?", userID).
		Select("conversations.*, cp.is_favorite").
		Preload("Participants").
		Order("conversations.last_message_at DESC NULLS LAST, conversations.created_at DESC").
		Find(&conversations).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return conversations, nil
}

func (r *chatRepository) GetParticipant(ctx context.Context, convID, userID uint) (*models.ConversationParticipant, error) {
	var p models.ConversationParticipant
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Conversation", convID)
		}
		return nil, models.NewInternalError(err)
	}
	return &p, nil
}

func (r *chatRepository) IsParticipant(ctx context.Context, convID, userID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		Count(&count).Error
	if err != nil {
		return false, models.NewInternalError(err)
	}
	return count > 0, nil
}

func (r *chatRepository) SetFavorite(ctx context.Context, convID, userID uint, favorite bool) error {
	res := r.db.WithContext(ctx).
		Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		Update("is_favorite", favorite)
	if res.Error != nil {
		return models.NewInternalError(res.Error)
	}
	if res.RowsAffected == 0 {
		return models.NewNotFoundError("Conversation", convID)
	}
	cache.InvalidateConversation(ctx, convID)
	return nil
}

func (r *chatRepository) CreateMessage(ctx context.Context, msg *models.Message) error {
	defer r.metrics.TrackQuery("insert", "messages")()

	if err := r.db.WithContext(ctx).Create(msg).Error; err != nil {
		return models.NewInternalError(err)
	}
	// The sender has read their own message.
	read := models.MessageRead{MessageID: msg.ID, UserID: msg.SenderID}
	if err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&read).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *chatRepository) GetMessage(ctx context.Context, id uint) (*models.Message, error) {
	var msg models.Message
	if err := r.db.WithContext(ctx).Preload("Sender").First(&msg, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Message", id)
		}
		return nil, models.NewInternalError(err)
	}
	return &msg, nil
}

func (r *chatRepository) GetMessagesByIDs(ctx context.Context, ids []uint) ([]*models.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var msgs []*models.Message
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&msgs).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return msgs, nil
}

// visibleMessages scopes a message query to what the viewer may see:
// tombstoned messages and messages the viewer deleted for themselves are
// filtered out.
func (r *chatRepository) visibleMessages(ctx context.Context, convID, viewerID uint) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("conversation_id = ?", convID).
		Where("deleted_for_everyone = ?", false).
		Where("NOT EXISTS (SELECT 1 FROM message_hides h WHERE h.message_id = messages.id AND h.user_id = ?)", viewerID)
}

func (r *chatRepository) GetMessages(ctx context.Context, convID, viewerID uint, before *time.Time, limit int) ([]*models.Message, error) {
	defer r.metrics.TrackQuery("select", "messages")()

	q := r.visibleMessages(ctx, convID, viewerID).Preload("Sender")
	if before != nil {
		q = q.Where("created_at < ?", *before)
	}
	var msgs []*models.Message
	if err := q.Order("created_at DESC, id DESC").Limit(limit).Find(&msgs).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return msgs, nil
}

// GetSharedMessages returns every message the viewer may see in the
// conversation, newest first and unpaginated. The side panel extracts media
// from attachments and links from text, so text-only messages stay in.
func (r *chatRepository) GetSharedMessages(ctx context.Context, convID, viewerID uint) ([]*models.Message, error) {
	var msgs []*models.Message
	err := r.visibleMessages(ctx, convID, viewerID).
		Order("created_at DESC, id DESC").
		Find(&msgs).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	return msgs, nil
}

// CountUnread counts messages the user can see, sent by the peer, that the
// user has not read.
func (r *chatRepository) CountUnread(ctx context.Context, convID, userID uint) (int64, error) {
	var count int64
	err := r.visibleMessages(ctx, convID, userID).
		Where("sender_id != ?", userID).
		Where("NOT EXISTS (SELECT 1 FROM message_reads mr WHERE mr.message_id = messages.id AND mr.user_id = ?)", userID).
		Count(&count).Error
	if err != nil {
		return 0, models.NewInternalError(err)
	}
	return count, nil
}

// MarkMessagesRead records read receipts for the user on qualifying
// messages (peer-sent, visible, unread) and advances the read cursor.
// When messageIDs is non-empty only that subset is considered. Returns the
// IDs actually marked; re-marking already-read messages is a no-op.
func (r *chatRepository) MarkMessagesRead(ctx context.Context, convID, userID uint, messageIDs []uint) ([]uint, error) {
	q := r.visibleMessages(ctx, convID, userID).
		Where("sender_id != ?", userID).
		Where("NOT EXISTS (SELECT 1 FROM message_reads mr WHERE mr.message_id = messages.id AND mr.user_id = ?)", userID)
	if len(messageIDs) > 0 {
		q = q.Where("id IN ?", messageIDs)
	}

	var ids []uint
	if err := q.Pluck("id", &ids).Error; err != nil {
		return nil, models.NewInternalError(err)
	}

	if len(ids) > 0 {
		reads := make([]models.MessageRead, 0, len(ids))
		for _, id := range ids {
			reads = append(reads, models.MessageRead{MessageID: id, UserID: userID})
		}
		if err := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&reads).Error; err != nil {
			return nil, models.NewInternalError(err)
		}
	}

	err := r.db.WithContext(ctx).
		Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", convID, userID).
		Update("last_read_at", time.Now()).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	cache.InvalidateConversation(ctx, convID)

	return ids, nil
}

// ToggleReaction removes the user's reaction with the emoji if present,
// otherwise adds it. Delete-then-insert keeps concurrent toggles atomic:
// the row either exists or it does not, and the conflict clause absorbs
// duplicate adds.
func (r *chatRepository) ToggleReaction(ctx context.Context, msgID, userID uint, emoji string) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ? AND emoji = ?", msgID, userID, emoji).
		Delete(&models.MessageReaction{})
	if res.Error != nil {
		return false, models.NewInternalError(res.Error)
	}
	if res.RowsAffected > 0 {
		return false, nil
	}

	reaction := models.MessageReaction{MessageID: msgID, UserID: userID, Emoji: emoji}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&reaction).Error; err != nil {
		return false, models.NewInternalError(err)
	}
	return true, nil
}

func (r *chatRepository) HideMessage(ctx context.Context, msgID, userID uint) error {
	hide := models.MessageHide{MessageID: msgID, UserID: userID}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&hide).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *chatRepository) TombstoneMessage(ctx context.Context, msgID uint) error {
	err := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ?", msgID).
		Update("deleted_for_everyone", true).Error
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *chatRepository) UpdateLastMessage(ctx context.Context, convID uint, msgID uint, text string, at time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("id = ?", convID).
		Updates(map[string]interface{}{
			"last_message_id":   msgID,
			"last_message_text": text,
			"last_message_at":   at,
		}).Error
	if err != nil {
		return models.NewInternalError(err)
	}
	cache.InvalidateConversation(ctx, convID)
	return nil
}

func (r *chatRepository) ReactionsForMessages(ctx context.Context, msgIDs []uint) (map[uint][]models.ReactionGroup, error) {
	result := make(map[uint][]models.ReactionGroup)
	if len(msgIDs) == 0 {
		return result, nil
	}

	var rows []models.MessageReaction
	err := r.db.WithContext(ctx).
		Where("message_id IN ?", msgIDs).
		Order("message_id ASC, emoji ASC, created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}

	for _, row := range rows {
		groups := result[row.MessageID]
		var group *models.ReactionGroup
		for i := range groups {
			if groups[i].Emoji == row.Emoji {
				group = &groups[i]
				break
			}
		}
		if group == nil {
			groups = append(groups, models.ReactionGroup{Emoji: row.Emoji})
			group = &groups[len(groups)-1]
		}
		group.UserIDs = append(group.UserIDs, row.UserID)
		result[row.MessageID] = groups
	}
	return result, nil
}

func (r *chatRepository) ReadsForMessages(ctx context.Context, msgIDs []uint) (map[uint][]uint, error) {
	result := make(map[uint][]uint)
	if len(msgIDs) == 0 {
		return result, nil
	}

	var rows []models.MessageRead
	err := r.db.WithContext(ctx).
		Where("message_id IN ?", msgIDs).
		Order("message_id ASC, created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	for _, row := range rows {
		result[row.MessageID] = append(result[row.MessageID], row.UserID)
	}
	return result, nil
}
