package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	mysqlerr "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// =============================================================================
// 🧪 PoolManager 测试
// =============================================================================

func setupMockDB(t *testing.T) (sqlmock.Sqlmock, *gorm.DB) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{})
	require.NoError(t, err)
	return mock, gormDB
}

func TestNewPoolManager(t *testing.T) {
	_, gormDB := setupMockDB(t)
	config := PoolConfig{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
	}

	manager, err := NewPoolManager(gormDB, config, zap.NewNop())
	require.NoError(t, err)
	assert.Same(t, gormDB, manager.DB())
	assert.Equal(t, config, manager.config)
	assert.Equal(t, 10, manager.Stats().MaxOpenConnections)

	_, err = NewPoolManager(nil, config, nil)
	assert.Error(t, err)
}

func TestPoolManager_Ping(t *testing.T) {
	mock, gormDB := setupMockDB(t)
	manager, err := NewPoolManager(gormDB, PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5}, nil)
	require.NoError(t, err)

	assert.NoError(t, manager.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_WithTransaction(t *testing.T) {
	mock, gormDB := setupMockDB(t)
	manager, err := NewPoolManager(gormDB, PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectCommit()
	require.NoError(t, manager.WithTransaction(ctx, func(tx *gorm.DB) error { return nil }))

	mock.ExpectBegin()
	mock.ExpectRollback()
	err = manager.WithTransaction(ctx, func(tx *gorm.DB) error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_WithTransactionRetry(t *testing.T) {
	mock, gormDB := setupMockDB(t)
	manager, err := NewPoolManager(gormDB, PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5}, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	attempts := 0
	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()
	err = manager.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		attempts++
		if attempts == 1 {
			return errors.New("ERROR: deadlock detected")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)

	// 不可重试的错误立即返回
	mock.ExpectBegin()
	mock.ExpectRollback()
	attempts = 0
	err = manager.WithTransactionRetry(ctx, 3, func(tx *gorm.DB) error {
		attempts++
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, attempts)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPoolManager_Close(t *testing.T) {
	mock, gormDB := setupMockDB(t)
	manager, err := NewPoolManager(gormDB, PoolConfig{
		MaxOpenConns:        10,
		MaxIdleConns:        5,
		HealthCheckInterval: 10 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)

	mock.ExpectClose()
	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close(), "second close is a no-op")
	assert.NoError(t, mock.ExpectationsWereMet())

	assert.ErrorIs(t, manager.Ping(context.Background()), ErrPoolClosed)
	assert.ErrorIs(t, manager.WithTransaction(context.Background(), func(*gorm.DB) error { return nil }), ErrPoolClosed)
}

func TestOpen_SQLite(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "wayflow.db")
	manager, err := Open("sqlite", dsn, PoolConfig{MaxOpenConns: 1, MaxIdleConns: 1}, zap.NewNop())
	require.NoError(t, err)
	defer manager.Close()

	require.NoError(t, manager.Ping(context.Background()))

	type row struct {
		ID   uint
		Name string
	}
	require.NoError(t, manager.DB().AutoMigrate(&row{}))
	require.NoError(t, manager.WithTransaction(context.Background(), func(tx *gorm.DB) error {
		return tx.Create(&row{Name: "ada"}).Error
	}))
	var got row
	require.NoError(t, manager.DB().First(&got).Error)
	assert.Equal(t, "ada", got.Name)
}

func TestDialector(t *testing.T) {
	for _, driver := range []string{"postgres", "mysql", "sqlite"} {
		d, err := Dialector(driver, "dsn")
		require.NoError(t, err, driver)
		assert.NotNil(t, d)
	}
	_, err := Dialector("PostgreSQL", "dsn")
	assert.NoError(t, err)
	_, err = Dialector("oracle", "dsn")
	assert.Error(t, err)
}

func TestPoolConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  PoolConfig
		wantErr bool
	}{
		{"valid config", PoolConfig{MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxLifetime: time.Hour}, false},
		{"invalid max open conns", PoolConfig{MaxOpenConns: 0, MaxIdleConns: 5}, true},
		{"invalid max idle conns", PoolConfig{MaxOpenConns: 10, MaxIdleConns: 0}, true},
		{"idle > open", PoolConfig{MaxOpenConns: 5, MaxIdleConns: 10}, true},
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
	assert.NoError(t, DefaultPoolConfig().Validate())
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, isRetryableError(nil))
	assert.False(t, isRetryableError(sql.ErrNoRows))
	assert.True(t, isRetryableError(errors.New("Deadlock found when trying to get lock")))
	assert.True(t, isRetryableError(errors.New("pq: could not serialize access (SQLSTATE 40001)")))
	assert.True(t, isRetryableError(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.True(t, isRetryableError(errors.New("driver: bad connection")))
	assert.False(t, isRetryableError(fmt.Errorf("tx: %w", context.Canceled)))
}

func TestIsRetryableError_DriverTypes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"pg deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"pg serialization", fmt.Errorf("save: %w", &pgconn.PgError{Code: "40001"}), true},
		{"pg unique violation", &pgconn.PgError{Code: "23505", Message: "duplicate key"}, false},
		{"mysql deadlock", &mysqlerr.MySQLError{Number: 1213}, true},
		{"mysql lock wait", &mysqlerr.MySQLError{Number: 1205}, true},
		{"mysql syntax", &mysqlerr.MySQLError{Number: 1064, Message: "syntax"}, false},
		{"conn done", sql.ErrConnDone, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryableError(tt.err))
		})
	}
}

func TestGormLogger(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := NewGormLogger(zap.New(core), 10*time.Millisecond)
	ctx := context.Background()
	fc := func() (string, int64) { return "SELECT 1", 1 }

	l.Trace(ctx, time.Now(), fc, nil)
	assert.Zero(t, logs.Len(), "fast queries are not logged at warn level")

	l.Trace(ctx, time.Now().Add(-time.Second), fc, nil)
	l.Trace(ctx, time.Now(), fc, errors.New("boom"))
	l.Trace(ctx, time.Now(), fc, gorm.ErrRecordNotFound)
	assert.Equal(t, 1, logs.FilterMessage("slow sql").Len())
	assert.Equal(t, 1, logs.FilterMessage("sql failed").Len())

	verbose := l.LogMode(gormlogger.Info)
	verbose.Trace(ctx, time.Now(), fc, nil)
	verbose.Info(ctx, "migrated %d tables", 1)
	assert.Equal(t, 1, logs.FilterMessage("sql").Len())
	assert.Equal(t, 1, logs.FilterMessage("migrated 1 tables").Len())

	silent := l.LogMode(gormlogger.Silent)
	silent.Trace(ctx, time.Now(), fc, errors.New("ignored"))
	silent.Error(ctx, "ignored")
	assert.Equal(t, 1, logs.FilterMessage("sql failed").Len())
}
