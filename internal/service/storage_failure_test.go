package service

import (
	"context"
	"errors"
	"testing"

	"huddle/internal/models"
	"huddle/internal/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupMockStore(t *testing.T) (*repository.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return repository.NewStore(gormDB), mock
}

func TestModerationService_TransientFailureRollsBack(t *testing.T) {
	store, mock := setupMockStore(t)
	perms := NewPermissionService(store, nil)
	rec := newRecorder()
	rt := Realtime{Events: rec, Subscriptions: rec, Viewers: rec}
	locks := NewConversationLocks()
	membership := NewMembershipService(store, perms, locks, rt, nil)
	moderation := NewModerationService(store, perms, membership, nil, locks, rt, nil)

	memberCols := []string{"conversation_id", "user_id", "role"}
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "conversations" .*FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "type"}).AddRow(1, "group"))
	mock.ExpectQuery(`SELECT \* FROM "conversation_members"`).
		WillReturnRows(sqlmock.NewRows(memberCols).AddRow(1, 10, "OWNER"))
	mock.ExpectQuery(`SELECT \* FROM "users"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "username"}).AddRow(20, "target"))
	mock.ExpectQuery(`SELECT \* FROM "conversation_members"`).
		WillReturnRows(sqlmock.NewRows(memberCols).AddRow(1, 20, "MEMBER"))
	mock.ExpectQuery(`SELECT \* FROM "moderation_actions"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`INSERT INTO "moderation_actions"`).
		WillReturnError(errors.New("connection reset by peer"))
	mock.ExpectRollback()

	target := uint(20)
	_, err := moderation.Apply(context.Background(), ModerationRequest{
		ActorID: 10, ConversationID: 1, Action: "MUTE", TargetUserID: &target,
	})
	require.Error(t, err)
	assert.Equal(t, models.CodeInternal, models.ErrorCode(err), "storage failures are not client errors")
	assert.Empty(t, rec.ofType(models.EventModerationUpdated), "nothing is announced for a failed action")
	assert.Zero(t, locks.size(), "the conversation lock is released")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMembershipService_TransientFailureRollsBack(t *testing.T) {
	store, mock := setupMockStore(t)
	perms := NewPermissionService(store, nil)
	rec := newRecorder()
	membership := NewMembershipService(store, perms, NewConversationLocks(), Realtime{Events: rec, Subscriptions: rec}, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "conversations"`).
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	err := membership.Leave(context.Background(), 1, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deadlock detected")
	assert.Empty(t, rec.ofType(models.EventMemberLeft))
	require.NoError(t, mock.ExpectationsWereMet())
}
