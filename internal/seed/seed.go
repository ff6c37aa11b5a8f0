package seed

import (
	"context"
	"fmt"
	"log"
	"time"

	"bazaar/internal/models"
	"bazaar/internal/repository"

	"gorm.io/gorm"
)

// Options configure the seeder.
type Options struct {
	// SkipBcrypt stores the plain default password instead of a bcrypt
	// hash. Tests use this to avoid burning CPU on hashing.
	SkipBcrypt bool
	// MaxDays spreads message timestamps over this many days back.
	MaxDays int
	// RandSeed fixes the random source for reproducible runs. Zero
	// means seed from the clock.
	RandSeed int64
}

// Seeder populates the database with demo users and conversations.
type Seeder struct {
	db      *gorm.DB
	chat    repository.ChatRepository
	factory *Factory
}

// NewSeeder creates a Seeder bound to the provided Gorm DB.
func NewSeeder(db *gorm.DB, opts Options) *Seeder {
	return &Seeder{
		db:      db,
		chat:    repository.NewChatRepository(db),
		factory: NewFactory(db, opts),
	}
}

// ClearAll wipes every seeded table. On PostgreSQL a single TRUNCATE
// resets identity sequences; other dialects fall back to per-table
// deletes in FK order.
func (s *Seeder) ClearAll() error {
	log.Println("🗑️  Clearing existing data...")

	if s.db.Dialector.Name() == "postgres" {
		sql := `TRUNCATE TABLE message_hides, message_reads, message_reactions,
			messages, conversation_participants, conversations, users
			RESTART IDENTITY CASCADE;`
		return s.db.Exec(sql).Error
	}

	tables := []interface{}{
		&models.MessageHide{},
		&models.MessageRead{},
		&models.MessageReaction{},
		&models.Message{},
		&models.ConversationParticipant{},
		&models.Conversation{},
		&models.User{},
	}
	for _, table := range tables {
		if err := s.db.Session(&gorm.Session{AllowGlobalUpdate: true}).
			Unscoped().Delete(table).Error; err != nil {
			return err
		}
	}
	return nil
}

// SeedDirectory creates the user directory. The first few users get stable
// well-known accounts so a fresh environment always has someone to log in as.
func (s *Seeder) SeedDirectory(count int) ([]*models.User, error) {
	users := make([]*models.User, 0, count)

	wellKnown := []struct {
		name, email, dept string
	}{
		{"Alice Chen", "alice@example.com", "Engineering"},
		{"Bob Marsh", "bob@example.com", "Design"},
		{"Test User", "test@example.com", "Product"},
	}
	for _, w := range wellKnown {
		if len(users) >= count {
			break
		}
		user := s.factory.BuildUser()
		user.FullName = w.name
		user.Email = w.email
		user.Department = w.dept
		if err := s.db.Create(user).Error; err != nil {
			return nil, fmt.Errorf("create well-known user %s: %w", w.email, err)
		}
		users = append(users, user)
	}

	for i := len(users); i < count; i++ {
		user, err := s.factory.CreateUser()
		if err != nil {
			log.Printf("failed to create seed user: %v", err)
			continue
		}
		users = append(users, user)

		if i > 0 && i%100 == 0 {
			log.Printf("Created %d users...", i)
		}
	}

	log.Printf("✓ %d users created", len(users))
	return users, nil
}

// SeedConversations pairs each user with a handful of peers and fills the
// threads with messages, reactions and read receipts. Returns the number
// of conversations created.
func (s *Seeder) SeedConversations(users []*models.User, messagesPerPair int) (int, error) {
	if len(users) < 2 {
		return 0, fmt.Errorf("need at least 2 users, got %d", len(users))
	}
	if messagesPerPair <= 0 {
		messagesPerPair = 20
	}

	ctx := context.Background()
	created := 0

	for i, user := range users {
		peers := s.pickPeers(users, i)
		for _, peer := range peers {
			conv, isNew, err := s.chat.FindOrCreateConversation(ctx, user.ID, peer.ID)
			if err != nil {
				return created, fmt.Errorf("conversation for %d/%d: %w", user.ID, peer.ID, err)
			}
			if !isNew {
				continue
			}
			created++

			if err := s.fillThread(ctx, conv, user, peer, messagesPerPair); err != nil {
				return created, err
			}
		}
	}

	log.Printf("✓ %d conversations created", created)
	return created, nil
}

// fillThread writes an alternating message history into a conversation and
// sprinkles reactions, read receipts and the occasional favorite flag.
func (s *Seeder) fillThread(ctx context.Context, conv *models.Conversation, a, b *models.User, count int) error {
	rng := s.factory.rng
	participants := []*models.User{a, b}

	var last *models.Message
	var prevID *uint

	for i := 0; i < count; i++ {
		sender := participants[rng.Intn(2)]
		msg := s.factory.BuildMessage(conv.ID, sender.ID)

		// occasional reply to the previous message
		if prevID != nil && rng.Intn(6) == 0 {
			msg.ReplyToID = prevID
		}

		if err := s.chat.CreateMessage(ctx, msg); err != nil {
			return fmt.Errorf("create message: %w", err)
		}
		prevID = &msg.ID
		if last == nil || msg.CreatedAt.After(last.CreatedAt) {
			last = msg
		}

		if rng.Intn(5) == 0 {
			other := participants[0]
			if other.ID == sender.ID {
				other = participants[1]
			}
			if _, err := s.chat.ToggleReaction(ctx, msg.ID, other.ID, s.factory.PickEmoji()); err != nil {
				return fmt.Errorf("toggle reaction: %w", err)
			}
		}
	}

	if last != nil {
		if err := s.chat.UpdateLastMessage(ctx, conv.ID, last.ID, last.PreviewText(), last.CreatedAt); err != nil {
			return fmt.Errorf("update last message: %w", err)
		}
	}

	// one side has usually read most of the thread
	reader := participants[rng.Intn(2)]
	if _, err := s.chat.MarkMessagesRead(ctx, conv.ID, reader.ID, nil); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}

	if rng.Intn(4) == 0 {
		if err := s.chat.SetFavorite(ctx, conv.ID, a.ID, true); err != nil {
			return fmt.Errorf("set favorite: %w", err)
		}
	}

	return nil
}

// pickPeers selects up to three later-indexed peers for user i so each
// pair is visited once.
func (s *Seeder) pickPeers(users []*models.User, i int) []*models.User {
	rng := s.factory.rng
	var peers []*models.User
	for j := i + 1; j < len(users) && len(peers) < 3; j++ {
		if rng.Intn(3) == 0 || j == i+1 {
			peers = append(peers, users[j])
		}
	}
	return peers
}

// Run executes the full seeding pipeline.
func (s *Seeder) Run(numUsers, messagesPerPair int, clean bool) error {
	start := time.Now()
	log.Printf("🌱 Seeding %d users with ~%d messages per conversation...", numUsers, messagesPerPair)

	if clean {
		if err := s.ClearAll(); err != nil {
			return fmt.Errorf("cleanup failed: %w", err)
		}
	}

	users, err := s.SeedDirectory(numUsers)
	if err != nil {
		return fmt.Errorf("user seeding failed: %w", err)
	}

	if _, err := s.SeedConversations(users, messagesPerPair); err != nil {
		return fmt.Errorf("conversation seeding failed: %w", err)
	}

	log.Printf("🎉 Seeding completed in %s", time.Since(start).Round(time.Millisecond))
	return nil
}
