package database

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func captureLogger() (*CustomGormLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := NewGormLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	return l, &buf
}

func query() (string, int64) { return "SELECT 1", 1 }

func TestGormLogger_Trace(t *testing.T) {
	tests := []struct {
		name  string
		mode  logger.LogLevel
		begin time.Time
		err   error
		want  string
	}{
		{name: "failure", mode: logger.Warn, begin: time.Now(), err: errors.New("boom"), want: `msg="query failed"`},
		{name: "record not found is quiet", mode: logger.Warn, begin: time.Now(), err: gorm.ErrRecordNotFound},
		{name: "slow query", mode: logger.Warn, begin: time.Now().Add(-time.Second), want: `msg="slow query"`},
		{name: "fast query at warn", mode: logger.Warn, begin: time.Now()},
		{name: "fast query at info", mode: logger.Info, begin: time.Now(), want: "msg=query"},
		{name: "silent", mode: logger.Silent, begin: time.Now(), err: errors.New("boom")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, buf := captureLogger()
			base.LogMode(tt.mode).Trace(context.Background(), tt.begin, query, tt.err)
			if tt.want == "" {
				assert.Empty(t, buf.String())
				return
			}
			assert.Contains(t, buf.String(), tt.want)
			assert.Contains(t, buf.String(), "component=gorm")
			assert.Contains(t, buf.String(), `sql="SELECT 1"`)
		})
	}
}

func TestGormLogger_LogModeCopies(t *testing.T) {
	base, buf := captureLogger()
	base.LogMode(logger.Info).Info(context.Background(), "opened %s", "db")
	assert.Contains(t, buf.String(), "opened db")

	buf.Reset()
	base.Info(context.Background(), "hidden")
	assert.Empty(t, buf.String(), "the original keeps warn level")
}
