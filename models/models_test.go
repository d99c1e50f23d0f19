package models

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/davecheney/fedi/internal/crypto"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// WithType sets the type of an actor.
func WithType(t ActorType) func(*Actor) {
	return func(a *Actor) {
		a.Type = t
	}
}

// MockActor creates a new actor in the database.
func MockActor(t *testing.T, tx *gorm.DB, name, domain string, opts ...func(*Actor)) *Actor {
	t.Helper()
	require := require.New(t)

	kp, err := crypto.GenerateRSAKeypair()
	require.NoError(err)

	uri := fmt.Sprintf("https://%s/users/%s", domain, name)
	actor := &Actor{
		URI:         uri,
		Type:        "Person",
		Name:        name,
		Domain:      domain,
		DisplayName: name,
		Inbox:       uri + "/inbox",
		PublicKeyID: uri + "#main-key",
		PublicKey:   kp.PublicKey,
		FetchedAt:   time.Now(),
	}
	for _, opt := range opts {
		opt(actor)
	}
	require.NoError(tx.Create(actor).Error)
	return actor
}

func MockStatus(t *testing.T, tx *gorm.DB, actor *Actor, note string) *Status {
	t.Helper()
	require := require.New(t)

	status := &Status{
		URI:       fmt.Sprintf("https://%s/users/%s/statuses/%d", actor.Domain, actor.Name, time.Now().UnixNano()),
		ActorID:   actor.ID,
		Content:   note,
		Published: time.Now(),
	}
	require.NoError(tx.Create(status).Error)
	return status
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	require := require.New(t)
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	})
	require.NoError(err)

	sqlDB, err := db.DB()
	require.NoError(err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	err = db.AutoMigrate(AllTables()...)
	require.NoError(err)

	// enable foreign key constraints
	err = db.Exec("PRAGMA foreign_keys = ON").Error
	require.NoError(err)

	return db
}
