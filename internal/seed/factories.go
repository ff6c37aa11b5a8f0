// Package seed provides helpers to create demo and test data for the
// application database. These helpers are intended for development and
// testing only.
package seed

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"bazaar/internal/models"

	"github.com/brianvoe/gofakeit/v6"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// DefaultPassword is the password shared by all seeded users.
const DefaultPassword = "password123"

var departments = []string{
	"Engineering", "Design", "Product", "Marketing", "Sales",
	"Support", "Finance", "People", "Operations", "Legal",
}

var reactionEmojis = []string{"👍", "❤️", "😂", "😮", "😢", "🔥", "🎉"}

// Factory builds domain entities and persists them to the database.
// It is a thin helper used by the seeder and tests.
type Factory struct {
	db   *gorm.DB
	opts Options
	rng  *rand.Rand

	// memoized so the expensive hash runs once per factory
	passwordHash string
}

// NewFactory creates a new Factory bound to the provided Gorm DB.
func NewFactory(db *gorm.DB, opts Options) *Factory {
	src := opts.RandSeed
	if src == 0 {
		src = time.Now().UnixNano()
	}
	gofakeit.Seed(src)
	//nolint:gosec // Weak random number generator is fine for seeding
	return &Factory{db: db, opts: opts, rng: rand.New(rand.NewSource(src))}
}

// BuildUser constructs a user without persisting it.
func (f *Factory) BuildUser() *models.User {
	first := gofakeit.FirstName()
	last := gofakeit.LastName()
	handle := strings.ToLower(fmt.Sprintf("%s.%s%d", first, last, f.rng.Intn(1000)))

	return &models.User{
		FullName:     fmt.Sprintf("%s %s", first, last),
		Email:        fmt.Sprintf("%s@example.com", handle),
		Password:     f.hashedPassword(),
		Department:   departments[f.rng.Intn(len(departments))],
		ProfileImage: fmt.Sprintf("https://i.pravatar.cc/150?u=%s", handle),
	}
}

// CreateUser persists a generated user.
func (f *Factory) CreateUser() (*models.User, error) {
	user := f.BuildUser()
	if err := f.db.Create(user).Error; err != nil {
		return nil, err
	}
	return user, nil
}

// BuildMessage constructs a message from sender to the conversation with a
// realistic timestamp spread. Roughly one message in eight carries an image
// attachment instead of plain text.
func (f *Factory) BuildMessage(convID, senderID uint) *models.Message {
	msg := &models.Message{
		ConversationID: convID,
		SenderID:       senderID,
		Text:           gofakeit.Sentence(f.rng.Intn(12) + 3),
	}

	if f.rng.Intn(8) == 0 {
		msg.Text = ""
		msg.Attachments = models.Attachments{{
			URL:    fmt.Sprintf("https://picsum.photos/seed/%s/800/600", gofakeit.UUID()),
			Type:   "image",
			Name:   fmt.Sprintf("%s.jpg", gofakeit.Word()),
			Size:   int64(f.rng.Intn(900_000) + 100_000),
			Width:  800,
			Height: 600,
		}}
	}

	maxDays := f.opts.MaxDays
	if maxDays <= 0 {
		maxDays = 30
	}
	back := time.Duration(f.rng.Intn(maxDays*24*60)) * time.Minute
	msg.CreatedAt = time.Now().Add(-back)

	return msg
}

// PickEmoji returns a random reaction emoji.
func (f *Factory) PickEmoji() string {
	return reactionEmojis[f.rng.Intn(len(reactionEmojis))]
}

func (f *Factory) hashedPassword() string {
	if f.opts.SkipBcrypt {
		return DefaultPassword
	}
	if f.passwordHash == "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(DefaultPassword), bcrypt.DefaultCost)
		if err != nil {
			return DefaultPassword
		}
		f.passwordHash = string(hash)
	}
	return f.passwordHash
}
