package seed

import (
	"testing"

	"bazaar/internal/database"
	"bazaar/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(database.PersistentModels()...))
	return db
}

func TestSeedDirectory(t *testing.T) {
	db := setupTestDB(t)
	s := NewSeeder(db, Options{SkipBcrypt: true, RandSeed: 42})

	users, err := s.SeedDirectory(10)
	require.NoError(t, err)
	assert.Len(t, users, 10)

	// well-known accounts come first
	assert.Equal(t, "alice@example.com", users[0].Email)
	assert.Equal(t, "bob@example.com", users[1].Email)

	var count int64
	require.NoError(t, db.Model(&models.User{}).Count(&count).Error)
	assert.EqualValues(t, 10, count)

	for _, u := range users {
		assert.NotEmpty(t, u.FullName)
		assert.NotEmpty(t, u.Department)
	}
}

func TestSeedConversations(t *testing.T) {
	db := setupTestDB(t)
	s := NewSeeder(db, Options{SkipBcrypt: true, RandSeed: 42, MaxDays: 7})

	users, err := s.SeedDirectory(6)
	require.NoError(t, err)

	created, err := s.SeedConversations(users, 10)
	require.NoError(t, err)
	assert.Greater(t, created, 0)

	var convCount, msgCount int64
	require.NoError(t, db.Model(&models.Conversation{}).Count(&convCount).Error)
	require.NoError(t, db.Model(&models.Message{}).Count(&msgCount).Error)
	assert.EqualValues(t, created, convCount)
	assert.EqualValues(t, created*10, msgCount)

	// every conversation carries a preview of its latest message
	var convs []models.Conversation
	require.NoError(t, db.Find(&convs).Error)
	for _, c := range convs {
		assert.NotNil(t, c.LastMessageID)
		assert.NotNil(t, c.LastMessageAt)
	}
}

func TestSeedConversations_TooFewUsers(t *testing.T) {
	db := setupTestDB(t)
	s := NewSeeder(db, Options{SkipBcrypt: true})

	users, err := s.SeedDirectory(1)
	require.NoError(t, err)

	_, err = s.SeedConversations(users, 5)
	assert.Error(t, err)
}

func TestClearAll(t *testing.T) {
	db := setupTestDB(t)
	s := NewSeeder(db, Options{SkipBcrypt: true, RandSeed: 7})

	users, err := s.SeedDirectory(4)
	require.NoError(t, err)
	_, err = s.SeedConversations(users, 5)
	require.NoError(t, err)

	require.NoError(t, s.ClearAll())

	for _, model := range []interface{}{&models.User{}, &models.Conversation{}, &models.Message{}} {
		var count int64
		require.NoError(t, db.Model(model).Count(&count).Error)
		assert.Zero(t, count)
	}
}

func TestBuildMessage(t *testing.T) {
	f := NewFactory(nil, Options{RandSeed: 42, MaxDays: 7})

	sawAttachment := false
	for i := 0; i < 50; i++ {
		msg := f.BuildMessage(1, 2)
		assert.EqualValues(t, 1, msg.ConversationID)
		assert.EqualValues(t, 2, msg.SenderID)
		if len(msg.Attachments) > 0 {
			sawAttachment = true
			assert.Equal(t, "image", msg.Attachments[0].Type)
			assert.Empty(t, msg.Text)
		} else {
			assert.NotEmpty(t, msg.Text)
		}
	}
	assert.True(t, sawAttachment, "expected some attachment messages in 50 builds")
}
