package reconcile

import "time"

// UserRecord is a local account. One row exists per provider identity.
type UserRecord struct {
	ID        string    `gorm:"primaryKey;size:36"`
	Provider  string    `gorm:"size:64;not null;uniqueIndex:idx_users_provider_subject"`
	Subject   string    `gorm:"size:191;not null;uniqueIndex:idx_users_provider_subject"`
	Email     string    `gorm:"size:320"`
	Name      string    `gorm:"size:255"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (UserRecord) TableName() string { return "users" }

// SessionRecord is a local session tied to one upstream access token. The token itself is
// never stored, only its SHA-256 digest.
type SessionRecord struct {
	ID        string `gorm:"primaryKey;size:36"`
	UserID    string `gorm:"size:36;not null;uniqueIndex:idx_sessions_user_token"`
	TokenHash string `gorm:"size:64;not null;uniqueIndex:idx_sessions_user_token"`
	Scope     string `gorm:"size:1024"`
	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (SessionRecord) TableName() string { return "user_sessions" }
