// Package service provides application business logic for conversations and messaging.
package service

import (
	"context"
	"strings"
	"time"

	"bazaar/internal/models"
	"bazaar/internal/observability"
	"bazaar/internal/repository"

	"go.opentelemetry.io/otel/attribute"
)

const defaultMessagePageSize = 30

// ChatService provides conversation and messaging business logic.
type ChatService struct {
	chatRepo repository.ChatRepository
	userRepo repository.UserRepository
}

// NewChatService returns a new ChatService.
func NewChatService(chatRepo repository.ChatRepository, userRepo repository.UserRepository) *ChatService {
	return &ChatService{
		chatRepo: chatRepo,
		userRepo: userRepo,
	}
}

// SendMessageInput is the input for sending a message.
type SendMessageInput struct {
	ConversationID uint
	SenderID       uint
	Text           string
	Attachments    models.Attachments
	ReplyToID      *uint
}

// DeleteMessageResult reports where a deletion happened so callers can
// notify the right conversation.
type DeleteMessageResult struct {
	MessageID      uint
	ConversationID uint
	Scope          models.DeleteScope
}

// StartConversation returns the conversation between the user and the peer,
// creating it when the pair has never talked. Starting a conversation with
// yourself is rejected.
func (s *ChatService) StartConversation(ctx context.Context, userID, peerID uint) (*models.Conversation, error) {
	if peerID == 0 {
		return nil, models.NewValidationError("Peer ID is required")
	}
	if userID == peerID {
		return nil, models.NewValidationError("Cannot start a conversation with yourself")
	}

	peer, err := s.userRepo.GetByID(ctx, peerID)
	if err != nil {
		return nil, err
	}

	conv, _, err := s.chatRepo.FindOrCreateConversation(ctx, userID, peerID)
	if err != nil {
		return nil, err
	}

	summary := peer.Summary()
	conv.Peer = &summary
	if err := s.decorateConversation(ctx, conv, userID); err != nil {
		return nil, err
	}
	return conv, nil
}

// ListConversations returns the user's conversations ordered by most recent
// activity, with unread counts and favorite flags computed for the viewer.
// Historical duplicate rows for the same pair collapse to the most recently
// active one.
func (s *ChatService) ListConversations(ctx context.Context, userID uint) ([]*models.Conversation, error) {
	convs, err := s.chatRepo.GetUserConversations(ctx, userID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]*models.Conversation, len(convs))
	deduped := make([]*models.Conversation, 0, len(convs))
	for _, conv := range convs {
		if prev, ok := seen[conv.ParticipantsKey]; ok {
			if laterThan(conv.LastMessageAt, prev.LastMessageAt) {
				*prev = *conv
			}
			continue
		}
		seen[conv.ParticipantsKey] = conv
		deduped = append(deduped, conv)
	}

	for _, conv := range deduped {
		if err := s.decorateConversation(ctx, conv, userID); err != nil {
			return nil, err
		}
	}
	return deduped, nil
}

func laterThan(a, b *time.Time) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return a.After(*b)
}

func (s *ChatService) decorateConversation(ctx context.Context, conv *models.Conversation, viewerID uint) error {
	for i := range conv.Participants {
		if conv.Participants[i].ID != viewerID {
			summary := conv.Participants[i].Summary()
			conv.Peer = &summary
			break
		}
	}

	participant, err := s.chatRepo.GetParticipant(ctx, conv.ID, viewerID)
	if err != nil {
		return err
	}
	conv.IsFavorite = participant.IsFavorite

	unread, err := s.chatRepo.CountUnread(ctx, conv.ID, viewerID)
	if err != nil {
		return err
	}
	conv.UnreadCount = unread
	return nil
}

// GetMessages returns a page of messages the user may see, newest first.
// The before cursor selects messages created strictly earlier.
func (s *ChatService) GetMessages(ctx context.Context, userID, convID uint, before *time.Time, limit int) ([]*models.Message, error) {
	if err := s.requireParticipant(ctx, convID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = defaultMessagePageSize
	}

	msgs, err := s.chatRepo.GetMessages(ctx, convID, userID, before, limit)
	if err != nil {
		return nil, err
	}
	if err := s.decorateMessages(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// SendMessage validates and persists a message, then refreshes the
// conversation preview. A message needs text or at least one attachment.
func (s *ChatService) SendMessage(ctx context.Context, in SendMessageInput) (*models.Message, error) {
	span, ctx := observability.NewSpan(ctx, "ChatService.SendMessage")
	defer span.End()
	span.AddAttributes(
		attribute.Int64("conversation.id", int64(in.ConversationID)),
		attribute.Int64("sender.id", int64(in.SenderID)),
	)

	text := strings.TrimSpace(in.Text)
	if text == "" && len(in.Attachments) == 0 {
		return nil, models.NewValidationError("Message requires text or attachments")
	}
	if err := s.requireParticipant(ctx, in.ConversationID, in.SenderID); err != nil {
		return nil, err
	}

	if in.ReplyToID != nil {
		replied, err := s.chatRepo.GetMessage(ctx, *in.ReplyToID)
		if err != nil {
			return nil, err
		}
		if replied.ConversationID != in.ConversationID {
			return nil, models.NewValidationError("Replied message belongs to another conversation")
		}
	}

	msg := &models.Message{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Text:           text,
		Attachments:    in.Attachments,
		ReplyToID:      in.ReplyToID,
	}
	if err := s.chatRepo.CreateMessage(ctx, msg); err != nil {
		span.SetError(err)
		return nil, err
	}

	if err := s.chatRepo.UpdateLastMessage(ctx, in.ConversationID, msg.ID, msg.PreviewText(), msg.CreatedAt); err != nil {
		span.SetError(err)
		return nil, err
	}

	if err := s.decorateMessages(ctx, []*models.Message{msg}); err != nil {
		return nil, err
	}
	return msg, nil
}

// MarkRead records read receipts for the user on unread peer messages.
// When messageIDs is non-empty only that subset is considered. Returns the
// IDs newly marked; calling again is a no-op.
func (s *ChatService) MarkRead(ctx context.Context, userID, convID uint, messageIDs []uint) ([]uint, error) {
	if err := s.requireParticipant(ctx, convID, userID); err != nil {
		return nil, err
	}
	return s.chatRepo.MarkMessagesRead(ctx, convID, userID, messageIDs)
}

// ToggleReaction adds the user's emoji reaction to the message, or removes
// it when already present. Returns the refreshed reaction groups along with
// whether the reaction was added.
func (s *ChatService) ToggleReaction(ctx context.Context, userID, msgID uint, emoji string) ([]models.ReactionGroup, bool, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return nil, false, models.NewValidationError("Emoji is required")
	}

	msg, err := s.chatRepo.GetMessage(ctx, msgID)
	if err != nil {
		return nil, false, err
	}
	if msg.DeletedForEveryone {
		return nil, false, models.NewValidationError("Cannot react to a deleted message")
	}
	if err := s.requireParticipant(ctx, msg.ConversationID, userID); err != nil {
		return nil, false, err
	}

	added, err := s.chatRepo.ToggleReaction(ctx, msgID, userID, emoji)
	if err != nil {
		return nil, false, err
	}

	groups, err := s.chatRepo.ReactionsForMessages(ctx, []uint{msgID})
	if err != nil {
		return nil, false, err
	}
	return groups[msgID], added, nil
}

// DeleteMessage applies a deletion in the given scope. Delete-for-everyone
// is restricted to the sender and tombstones the message; delete-for-me
// hides it for the requesting user only. Both are idempotent.
func (s *ChatService) DeleteMessage(ctx context.Context, userID, msgID uint, scope models.DeleteScope) (*DeleteMessageResult, error) {
	msg, err := s.chatRepo.GetMessage(ctx, msgID)
	if err != nil {
		return nil, err
	}
	if err := s.requireParticipant(ctx, msg.ConversationID, userID); err != nil {
		return nil, err
	}

	switch scope {
	case models.DeleteScopeEveryone:
		if msg.SenderID != userID {
			return nil, models.NewForbiddenError("Only the sender can delete a message for everyone")
		}
		if err := s.chatRepo.TombstoneMessage(ctx, msgID); err != nil {
			return nil, err
		}
	case models.DeleteScopeMe:
		if err := s.chatRepo.HideMessage(ctx, msgID, userID); err != nil {
			return nil, err
		}
	default:
		return nil, models.NewValidationError("scope must be 'me' or 'everyone'")
	}

	return &DeleteMessageResult{
		MessageID:      msgID,
		ConversationID: msg.ConversationID,
		Scope:          scope,
	}, nil
}

// SetFavorite flags or unflags the conversation for the user. The flag is
// private to the user.
func (s *ChatService) SetFavorite(ctx context.Context, userID, convID uint, favorite bool) error {
	if err := s.requireParticipant(ctx, convID, userID); err != nil {
		return err
	}
	return s.chatRepo.SetFavorite(ctx, convID, userID, favorite)
}

// GetSharedMedia returns every message the user may see in the conversation,
// newest first and unpaginated, for the media/links/files side panel. Clients
// read media from attachments and extract links from text.
func (s *ChatService) GetSharedMedia(ctx context.Context, userID, convID uint) ([]*models.Message, error) {
	if err := s.requireParticipant(ctx, convID, userID); err != nil {
		return nil, err
	}
	msgs, err := s.chatRepo.GetSharedMessages(ctx, convID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.decorateMessages(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// IsParticipant reports whether the user belongs to the conversation.
func (s *ChatService) IsParticipant(ctx context.Context, convID, userID uint) (bool, error) {
	return s.chatRepo.IsParticipant(ctx, convID, userID)
}

// requireParticipant resolves the conversation through the cache and checks
// the caller's membership. Unknown conversations surface as NotFound.
func (s *ChatService) requireParticipant(ctx context.Context, convID, userID uint) error {
	conv, err := s.chatRepo.GetConversation(ctx, convID)
	if err != nil {
		return err
	}
	for _, id := range conv.ParticipantIDs {
		if id == userID {
			return nil
		}
	}
	return models.NewForbiddenError("Not a participant of this conversation")
}

// decorateMessages resolves sender summaries, reaction groups, read
// receipts and reply previews for a batch of messages in a fixed number of
// queries.
func (s *ChatService) decorateMessages(ctx context.Context, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	ids := make([]uint, 0, len(msgs))
	senderIDs := make(map[uint]struct{})
	replyIDs := make(map[uint]struct{})
	for _, m := range msgs {
		ids = append(ids, m.ID)
		senderIDs[m.SenderID] = struct{}{}
		if m.ReplyToID != nil {
			replyIDs[*m.ReplyToID] = struct{}{}
		}
	}

	reactions, err := s.chatRepo.ReactionsForMessages(ctx, ids)
	if err != nil {
		return err
	}
	reads, err := s.chatRepo.ReadsForMessages(ctx, ids)
	if err != nil {
		return err
	}

	replies := make(map[uint]*models.Message, len(replyIDs))
	if len(replyIDs) > 0 {
		replyList := make([]uint, 0, len(replyIDs))
		for id := range replyIDs {
			replyList = append(replyList, id)
		}
		fetched, err := s.chatRepo.GetMessagesByIDs(ctx, replyList)
		if err != nil {
			return err
		}
		for _, m := range fetched {
			replies[m.ID] = m
		}
	}

	users := make(map[uint]models.UserSummary, len(senderIDs))
	senderList := make([]uint, 0, len(senderIDs))
	for id := range senderIDs {
		senderList = append(senderList, id)
	}
	fetchedUsers, err := s.userRepo.GetByIDs(ctx, senderList)
	if err != nil {
		return err
	}
	for i := range fetchedUsers {
		users[fetchedUsers[i].ID] = fetchedUsers[i].Summary()
	}

	for _, m := range msgs {
		if summary, ok := users[m.SenderID]; ok {
			s := summary
			m.SenderSummary = &s
		} else if m.Sender != nil {
			s := m.Sender.Summary()
			m.SenderSummary = &s
		}
		m.Reactions = reactions[m.ID]
		m.ReadBy = reads[m.ID]
		if m.ReplyTo == nil && m.ReplyToID != nil {
			m.ReplyTo = buildReplyPreview(replies[*m.ReplyToID])
		}
	}
	return nil
}

// buildReplyPreview renders the quoted message, degrading to an
// unavailable stub when the quoted message was deleted for everyone or no
// longer exists.
func buildReplyPreview(replied *models.Message) *models.ReplyPreview {
	if replied == nil {
		return &models.ReplyPreview{Available: false}
	}
	if replied.DeletedForEveryone {
		return &models.ReplyPreview{ID: replied.ID, Available: false}
	}
	return &models.ReplyPreview{
		ID:          replied.ID,
		SenderID:    replied.SenderID,
		Text:        replied.Text,
		Attachments: replied.Attachments,
		Available:   true,
	}
}
