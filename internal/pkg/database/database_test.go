package database

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/lk2023060901/filevault-backend/internal/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type widget struct {
	ID   string `gorm:"primaryKey"`
	Name string `gorm:"uniqueIndex"`
}

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(SQLiteConfig(filepath.Join(t.TempDir(), "test.db")), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.AutoMigrate(&widget{}))
	return db
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{name: "default postgres", config: DefaultConfig()},
		{name: "sqlite", config: SQLiteConfig("x.db")},
		{name: "sqlite without path", config: SQLiteConfig(""), wantErr: true},
		{name: "unknown driver", config: &Config{Driver: "oracle", LogLevel: "warn"}, wantErr: true},
		{name: "missing host", config: func() *Config { c := DefaultConfig(); c.Host = ""; return c }(), wantErr: true},
		{name: "invalid ssl", config: func() *Config { c := DefaultConfig(); c.SSLMode = "maybe"; return c }(), wantErr: true},
		{name: "idle exceeds open", config: func() *Config { c := DefaultConfig(); c.MaxIdleConns = 500; return c }(), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDSN(t *testing.T) {
	assert.Contains(t, DefaultConfig().DSN(), "dbname=filevault")
	assert.Contains(t, SQLiteConfig("/tmp/a.db").DSN(), "_busy_timeout")
}

func TestTransaction_RollbackAndCommit(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := db.Transaction(ctx, func(ctx context.Context, tx *gorm.DB) error {
		require.NoError(t, db.Conn(ctx).Create(&widget{ID: "1", Name: "a"}).Error)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var count int64
	require.NoError(t, db.Conn(ctx).Model(&widget{}).Count(&count).Error)
	assert.Zero(t, count)

	err = db.InTx(ctx, func(ctx context.Context) error {
		return db.Conn(ctx).Create(&widget{ID: "2", Name: "b"}).Error
	})
	require.NoError(t, err)
	require.NoError(t, db.Conn(ctx).Model(&widget{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestTransaction_JoinsOuter(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := db.InTx(ctx, func(ctx context.Context) error {
		if err := db.Conn(ctx).Create(&widget{ID: "1", Name: "a"}).Error; err != nil {
			return err
		}
		return db.InTx(ctx, func(ctx context.Context) error {
			return db.Conn(ctx).Create(&widget{ID: "2", Name: "a"}).Error
		})
	})
	require.Error(t, err)
	assert.True(t, IsDuplicateKeyError(err))

	var count int64
	require.NoError(t, db.Conn(ctx).Model(&widget{}).Count(&count).Error)
	assert.Zero(t, count, "inner failure must roll back the outer insert")
}

func TestExecuteWithRetry_NonRetryable(t *testing.T) {
	db := openTestDB(t)
	calls := 0
	err := db.ExecuteWithRetry(context.Background(), 3, func(ctx context.Context, tx *gorm.DB) error {
		calls++
		return errors.New("constraint")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, IsRetryableError(errors.New("database is locked")))
}

func TestInTx_RetriesBusyDatabase(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	calls := 0
	err := db.InTx(ctx, func(ctx context.Context) error {
		calls++
		if err := db.Conn(ctx).Create(&widget{ID: fmt.Sprintf("w%d", calls), Name: fmt.Sprintf("w%d", calls)}).Error; err != nil {
			return err
		}
		if calls == 1 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	var count int64
	require.NoError(t, db.Conn(ctx).Model(&widget{}).Count(&count).Error)
	assert.EqualValues(t, 1, count, "the failed attempt must roll back")

	calls = 0
	err = db.InTx(ctx, func(ctx context.Context) error {
		calls++
		return errors.New("constraint")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestInTx_NestedDoesNotRetry(t *testing.T) {
	db := openTestDB(t)
	calls := 0
	err := db.InTx(context.Background(), func(ctx context.Context) error {
		return db.InTx(ctx, func(ctx context.Context) error {
			calls++
			return errors.New("database is locked")
		})
	})
	require.Error(t, err)
	// only the outer transaction retries, rerunning the inner body each time
	assert.Equal(t, txAttempts, calls)
}

func TestPaginationHelpers(t *testing.T) {
	page, size := NormalizePage(0, 1000)
	assert.Equal(t, 1, page)
	assert.Equal(t, MaxPageSize, size)

	assert.Equal(t, `%100\%\_done%`, ContainsPattern("100%_DONE"))
	assert.True(t, IsRecordNotFoundError(gorm.ErrRecordNotFound))
}
