// Package reconcile maps provider identities and tokens onto local user and session rows.
package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"oauth2gate/flow"
)

// ErrNotFound is returned by lookups for rows that do not exist.
var ErrNotFound = errors.New("record not found")

// Config selects the database.
type Config struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Store persists users and sessions with gorm.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to the configured database and migrates the schema.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (*Store, error) {
	gcfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case "", "sqlite":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = "oauth2gate.db"
		}
		db, err = gorm.Open(sqlite.Open(dsn), gcfg)
		if err == nil {
			err = tuneSQLite(db)
		}
	case "mysql":
		if cfg.DSN == "" {
			return nil, errors.New("database.dsn required for mysql driver")
		}
		db, err = gorm.Open(mysql.Open(cfg.DSN), gcfg)
		if err == nil {
			err = tuneMySQL(db)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Driver, err)
	}

	s := New(db)
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	if log != nil {
		log.Info("database ready", "driver", cfg.Driver)
	}
	return s, nil
}

func tuneSQLite(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	// One connection keeps :memory: databases coherent.
	sqlDB.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func tuneMySQL(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate creates or updates the users and user_sessions tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&UserRecord{}, &SessionRecord{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// UpsertByProfile inserts the user for the profile's provider identity, or refreshes its
// email and name when it already exists.
func (s *Store) UpsertByProfile(ctx context.Context, profile flow.Profile) (flow.User, error) {
	if profile.Provider == "" || profile.Subject == "" {
		return flow.User{}, errors.New("profile provider and subject required")
	}
	now := s.now()
	rec := UserRecord{
		ID:        uuid.NewString(),
		Provider:  profile.Provider,
		Subject:   profile.Subject,
		Email:     profile.Email,
		Name:      profile.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// On conflict rec keeps the unused candidate ID, so the stored row is read into a fresh value.
	var out UserRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}, {Name: "subject"}},
			DoUpdates: clause.AssignmentColumns([]string{"email", "name", "updated_at"}),
		}).Create(&rec).Error; err != nil {
			return err
		}
		return tx.Where("provider = ? AND subject = ?", profile.Provider, profile.Subject).Take(&out).Error
	})
	if err != nil {
		return flow.User{}, fmt.Errorf("upsert user %s/%s: %w", profile.Provider, profile.Subject, err)
	}
	return toUser(out), nil
}

// UpsertByToken records a session for user keyed by the access token digest. Presenting the
// same token again refreshes the existing row.
func (s *Store) UpsertByToken(ctx context.Context, token *flow.TokenResponse, user flow.User) (flow.UserSession, error) {
	if token == nil || token.AccessToken == "" {
		return flow.UserSession{}, errors.New("access token required")
	}
	if user.ID == "" {
		return flow.UserSession{}, errors.New("user id required")
	}
	now := s.now()
	rec := SessionRecord{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		TokenHash: tokenHash(token.AccessToken),
		Scope:     token.Scope,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if !token.Expiry.IsZero() {
		exp := token.Expiry.UTC()
		rec.ExpiresAt = &exp
	}

	var out SessionRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "token_hash"}},
			DoUpdates: clause.AssignmentColumns([]string{"scope", "expires_at", "updated_at"}),
		}).Create(&rec).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ? AND token_hash = ?", rec.UserID, rec.TokenHash).Take(&out).Error
	})
	if err != nil {
		return flow.UserSession{}, fmt.Errorf("upsert session for user %s: %w", user.ID, err)
	}
	return toSession(out), nil
}

// UserByID loads a user.
func (s *Store) UserByID(ctx context.Context, id string) (flow.User, error) {
	var rec UserRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return flow.User{}, ErrNotFound
		}
		return flow.User{}, err
	}
	return toUser(rec), nil
}

// SessionByID loads a session.
func (s *Store) SessionByID(ctx context.Context, id string) (flow.UserSession, error) {
	var rec SessionRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return flow.UserSession{}, ErrNotFound
		}
		return flow.UserSession{}, err
	}
	return toSession(rec), nil
}

// DeleteSession removes a session; deleting a missing session is not an error.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&SessionRecord{}).Error
}

func tokenHash(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return hex.EncodeToString(sum[:])
}

func toUser(rec UserRecord) flow.User {
	return flow.User{
		ID:       rec.ID,
		Provider: rec.Provider,
		Subject:  rec.Subject,
		Email:    rec.Email,
		Name:     rec.Name,
	}
}

func toSession(rec SessionRecord) flow.UserSession {
	s := flow.UserSession{ID: rec.ID, UserID: rec.UserID}
	if rec.ExpiresAt != nil {
		s.ExpiresAt = *rec.ExpiresAt
	}
	return s
}
