// Package testutil provides shared fixtures for package tests.
package testutil

import (
	"strconv"
	"testing"
	"time"

	"huddle/internal/database"
	"huddle/internal/models"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewTestDB opens a migrated in-memory sqlite database.
// It is pinned to one connection so every query sees the same memory database,
// which also serializes transactions the way row locks would on postgres.
func NewTestDB(t testing.TB) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

// CreateUsers inserts n users named user1..userN.
func CreateUsers(t testing.TB, db *gorm.DB, n int) []models.User {
	t.Helper()
	users := make([]models.User, 0, n)
	var existing int64
	require.NoError(t, db.Model(&models.User{}).Count(&existing).Error)
	for i := 0; i < n; i++ {
		u := models.User{Username: "user" + strconv.Itoa(int(existing)+i+1)}
		require.NoError(t, db.Create(&u).Error)
		users = append(users, u)
	}
	return users
}

// CreateConversation inserts a conversation with the given members and roles.
func CreateConversation(t testing.TB, db *gorm.DB, typ models.ConversationType, members map[uint]models.MemberRole) *models.Conversation {
	t.Helper()
	conv := &models.Conversation{Type: typ, Name: string(typ)}
	require.NoError(t, db.Create(conv).Error)
	for uid, role := range members {
		require.NoError(t, db.Create(&models.ConversationMember{
			ConversationID: conv.ID,
			UserID:         uid,
			Role:           role,
			JoinedAt:       time.Now().UTC(),
		}).Error)
	}
	return conv
}

// CreateMessages inserts count messages from sender, one second apart starting at base.
func CreateMessages(t testing.TB, db *gorm.DB, convID, senderID uint, count int, base time.Time) []models.Message {
	t.Helper()
	msgs := make([]models.Message, 0, count)
	for i := 0; i < count; i++ {
		m := models.Message{
			ConversationID: convID,
			SenderID:       senderID,
			Content:        "message " + strconv.Itoa(i+1),
			CreatedAt:      base.Add(time.Duration(i) * time.Second).UTC(),
		}
		require.NoError(t, db.Create(&m).Error)
		msgs = append(msgs, m)
	}
	return msgs
}
