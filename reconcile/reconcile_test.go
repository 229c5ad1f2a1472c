package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oauth2gate/flow"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "test.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertByProfileIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertByProfile(ctx, flow.Profile{Provider: "google", Subject: "1234", Email: "old@example.com", Name: "Ada"})
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)

	second, err := s.UpsertByProfile(ctx, flow.Profile{Provider: "google", Subject: "1234", Email: "new@example.com", Name: "Ada L"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "new@example.com", second.Email)
	assert.Equal(t, "Ada L", second.Name)

	other, err := s.UpsertByProfile(ctx, flow.Profile{Provider: "github", Subject: "1234"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID, "same subject at another provider is another user")

	var count int64
	require.NoError(t, s.db.Model(&UserRecord{}).Count(&count).Error)
	assert.EqualValues(t, 2, count)

	loaded, err := s.UserByID(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, second, loaded)
}

func TestUpsertByTokenRefreshesSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	user, err := s.UpsertByProfile(ctx, flow.Profile{Provider: "google", Subject: "1"})
	require.NoError(t, err)

	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	first, err := s.UpsertByToken(ctx, &flow.TokenResponse{AccessToken: "tok-1", Scope: "openid", Expiry: exp}, user)
	require.NoError(t, err)
	assert.Equal(t, user.ID, first.UserID)
	assert.True(t, first.ExpiresAt.Equal(exp))

	again, err := s.UpsertByToken(ctx, &flow.TokenResponse{AccessToken: "tok-1", Scope: "openid email"}, user)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	fresh, err := s.UpsertByToken(ctx, &flow.TokenResponse{AccessToken: "tok-2"}, user)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, fresh.ID)

	var rec SessionRecord
	require.NoError(t, s.db.Where("id = ?", first.ID).Take(&rec).Error)
	assert.NotContains(t, rec.TokenHash, "tok-1")
	assert.Len(t, rec.TokenHash, 64)
	assert.Equal(t, "openid email", rec.Scope)

	loaded, err := s.SessionByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, user.ID, loaded.UserID)

	require.NoError(t, s.DeleteSession(ctx, fresh.ID))
	_, err = s.SessionByID(ctx, fresh.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRepeatedIdenticalUpsertsReuseRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	profile := flow.Profile{Provider: "google", Subject: "42", Email: "ada@example.com"}
	token := &flow.TokenResponse{AccessToken: "at-42"}

	var userIDs, sessionIDs []string
	for i := 0; i < 3; i++ {
		user, err := s.UpsertByProfile(ctx, profile)
		require.NoError(t, err, "sign-in %d", i)
		sess, err := s.UpsertByToken(ctx, token, user)
		require.NoError(t, err, "sign-in %d", i)
		userIDs = append(userIDs, user.ID)
		sessionIDs = append(sessionIDs, sess.ID)
	}

	assert.Equal(t, []string{userIDs[0], userIDs[0], userIDs[0]}, userIDs)
	assert.Equal(t, []string{sessionIDs[0], sessionIDs[0], sessionIDs[0]}, sessionIDs)

	var users, sessions int64
	require.NoError(t, s.db.Model(&UserRecord{}).Count(&users).Error)
	require.NoError(t, s.db.Model(&SessionRecord{}).Count(&sessions).Error)
	assert.EqualValues(t, 1, users)
	assert.EqualValues(t, 1, sessions)
}

func TestUpsertRejectsIncompleteInput(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertByProfile(ctx, flow.Profile{Provider: "google"})
	assert.Error(t, err)

	_, err = s.UpsertByToken(ctx, &flow.TokenResponse{}, flow.User{ID: "u"})
	assert.Error(t, err)

	_, err = s.UpsertByToken(ctx, &flow.TokenResponse{AccessToken: "t"}, flow.User{})
	assert.Error(t, err)

	_, err = s.UserByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle"}, nil)
	assert.Error(t, err)

	_, err = Open(context.Background(), Config{Driver: "mysql"}, nil)
	assert.Error(t, err)
}
