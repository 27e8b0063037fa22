// Package store provides the relational persistence layer on gorm.
package store

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nebulagrowth/nebulad/internal/config"
	"github.com/nebulagrowth/nebulad/internal/domain"
)

// Store bundles the entity repositories over one gorm connection.
type Store struct {
	db *gorm.DB

	Sites         *SiteStore
	Crawls        *CrawlStore
	Opportunities *OpportunityStore
	Deployments   *DeploymentStore
}

// Open connects to the configured database and returns a Store.
// Supported drivers: postgres, sqlite.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver: %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Driver, err)
	}

	return New(db), nil
}

// New wraps an existing gorm connection. Used by tests with sqlite.
func New(db *gorm.DB) *Store {
	return &Store{
		db:            db,
		Sites:         &SiteStore{db: db},
		Crawls:        &CrawlStore{db: db},
		Opportunities: &OpportunityStore{db: db},
		Deployments:   &DeploymentStore{db: db},
	}
}

// AutoMigrate creates or updates the schema for all entities.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&domain.Site{},
		&domain.Competitor{},
		&domain.Crawl{},
		&domain.Embedding{},
		&domain.Opportunity{},
		&domain.Deployment{},
	)
}

// DB exposes the underlying gorm handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}
