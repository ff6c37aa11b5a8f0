package bootstrap

import (
	"fmt"
	"log"
	"strings"

	"bazaar/internal/cache"
	"bazaar/internal/config"
	"bazaar/internal/database"
	"bazaar/internal/models"
	"bazaar/internal/seed"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Options control runtime initialization behavior.
type Options struct {
	// SeedDemoData populates an empty development database with demo
	// users and conversations. Ignored outside the development env.
	SeedDemoData bool
	// DemoUsers is the number of demo users to create. Zero uses a
	// sensible default.
	DemoUsers int
}

// InitRuntime connects to DB and Redis and optionally seeds demo data.
func InitRuntime(cfg *config.Config, opts Options) (*gorm.DB, *redis.Client, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}

	// Init Redis (may result in nil client if unreachable)
	cache.InitRedis(cfg.RedisURL)
	r := cache.GetClient()

	if opts.SeedDemoData {
		if err := seedDemoData(cfg, db, opts.DemoUsers); err != nil {
			return nil, nil, fmt.Errorf("failed to seed demo data: %w", err)
		}
	}

	return db, r, nil
}

// seedDemoData fills an empty development database so a fresh checkout has
// users to log in as and conversations to look at. A non-empty users table
// means the environment is already in use and is left alone.
func seedDemoData(cfg *config.Config, db *gorm.DB, numUsers int) error {
	if cfg == nil || db == nil {
		return nil
	}
	if !strings.EqualFold(cfg.Env, "development") {
		return nil
	}

	var count int64
	if err := db.Model(&models.User{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if numUsers <= 0 {
		numUsers = 12
	}

	log.Printf("empty development database, seeding %d demo users", numUsers)
	s := seed.NewSeeder(db, seed.Options{})
	users, err := s.SeedDirectory(numUsers)
	if err != nil {
		return err
	}
	_, err = s.SeedConversations(users, 20)
	return err
}
