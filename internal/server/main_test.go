package server

import (
	"testing"

	"bazaar/internal/config"
	"bazaar/internal/database"
	"bazaar/internal/models"
	"bazaar/internal/notifications"
	"bazaar/internal/repository"
	"bazaar/internal/service"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// newTestServer builds a Server backed by an in-memory database with no
// Redis. Rate limits are disabled by the test environment profile.
func newTestServer(t *testing.T) *Server {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}
	if err := db.AutoMigrate(database.PersistentModels()...); err != nil {
		t.Fatalf("Failed to migrate database: %v", err)
	}

	cfg := &config.Config{
		JWTSecret: "test-secret-key-12345678901234567890123456789012",
		Env:       "test",
		UploadDir: t.TempDir(),
	}

	userRepo := repository.NewUserRepository(db)
	chatRepo := repository.NewChatRepository(db)

	attachmentService, err := service.NewAttachmentService(cfg)
	if err != nil {
		t.Fatalf("Failed to init attachment service: %v", err)
	}

	presence := notifications.NewConnectionManager(nil, notifications.ConnectionManagerConfig{})
	t.Cleanup(presence.Stop)

	s := &Server{
		config:            cfg,
		db:                db,
		userRepo:          userRepo,
		chatRepo:          chatRepo,
		chatService:       service.NewChatService(chatRepo, userRepo),
		attachmentService: attachmentService,
		chatHub:           notifications.NewChatHub(presence),
		consumedTickets:   make(map[string]consumedTicketEntry),
	}
	return s
}

// newTestApp returns a Fiber app with all routes mounted and auth stubbed to
// the given user.
func newTestApp(s *Server, asUserID uint) *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("userID", asUserID)
		return c.Next()
	})

	api := app.Group("/api")
	conversations := api.Group("/conversations")
	conversations.Post("/", s.StartConversation)
	conversations.Get("/", s.GetConversations)
	conversations.Get("/:id/messages", s.GetMessages)
	conversations.Post("/:id/messages", s.SendMessage)
	conversations.Post("/:id/read", s.MarkConversationRead)
	conversations.Put("/:id/favorite", s.SetConversationFavorite)
	conversations.Get("/:id/media", s.GetSharedMedia)

	messages := api.Group("/messages")
	messages.Post("/:id/reactions", s.ToggleReaction)
	messages.Delete("/:id", s.DeleteMessage)

	api.Post("/attachments", s.UploadAttachment)

	users := api.Group("/users")
	users.Get("/me", s.GetMyProfile)
	users.Put("/me", s.UpdateMyProfile)
	users.Get("/", s.GetAllUsers)
	users.Get("/:id", s.GetUserProfile)

	return app
}

func createTestUser(t *testing.T, s *Server, name, email string) *models.User {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte("SecurePass12!@"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("Failed to hash password: %v", err)
	}
	user := &models.User{
		FullName: name,
		Email:    email,
		Password: string(hash),
	}
	if err := s.db.Create(user).Error; err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	return user
}
