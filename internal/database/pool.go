package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	mysqlerr "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// ErrPoolClosed is returned by operations on a closed pool.
var ErrPoolClosed = errors.New("database pool is closed")

// PoolConfig 连接池配置
type PoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`

	// 后台探活间隔，0 表示关闭
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
	// 超过该耗时的 SQL 以 warn 级别记录，0 表示不记录慢查询
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold" json:"slow_query_threshold"`
	// 事务重试的首次退避，之后每次翻倍
	RetryBackoff time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
}

// DefaultPoolConfig 返回默认连接池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        10,
		MaxOpenConns:        100,
		ConnMaxLifetime:     time.Hour,
		ConnMaxIdleTime:     10 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
		SlowQueryThreshold:  200 * time.Millisecond,
		RetryBackoff:        100 * time.Millisecond,
	}
}

// Validate 检查连接数配置
func (c PoolConfig) Validate() error {
	switch {
	case c.MaxOpenConns <= 0:
		return fmt.Errorf("max_open_conns must be positive, got %d", c.MaxOpenConns)
	case c.MaxIdleConns <= 0:
		return fmt.Errorf("max_idle_conns must be positive, got %d", c.MaxIdleConns)
	case c.MaxIdleConns > c.MaxOpenConns:
		return fmt.Errorf("max_idle_conns (%d) exceeds max_open_conns (%d)", c.MaxIdleConns, c.MaxOpenConns)
	}
	return nil
}

// Dialector 根据驱动名选择 GORM 方言: postgres, mysql, sqlite
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	case "sqlite", "sqlite3":
		return sqlite.Open(dsn), nil
	}
	return nil, fmt.Errorf("unsupported database driver %q (supported: postgres, mysql, sqlite)", driver)
}

// Open connects with the named driver and wraps the handle. GORM's own
// logging goes through logger.
func Open(driver, dsn string, config PoolConfig, logger *zap.Logger) (*PoolManager, error) {
	dialector, err := Dialector(driver, dsn)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: NewGormLogger(logger, config.SlowQueryThreshold),
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}
	logger.Info("database connected", zap.String("driver", driver))
	return NewPoolManager(db, config, logger)
}

// =============================================================================
// PoolManager
// =============================================================================

// PoolManager 持有 GORM 实例和底层 sql.DB，负责连接池参数、探活和事务重试
type PoolManager struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	config PoolConfig
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoolManager applies the pool limits to db. Zero connection limits keep
// the database/sql defaults.
func NewPoolManager(db *gorm.DB, config PoolConfig, logger *zap.Logger) (*PoolManager, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}

	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithCancel(context.Background())
	pm := &PoolManager{
		db:     db,
		sqlDB:  sqlDB,
		config: config,
		logger: logger.With(zap.String("component", "db_pool")),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if config.HealthCheckInterval > 0 {
		go pm.probe(ctx)
	} else {
		close(pm.done)
	}

	pm.logger.Debug("database pool ready",
		zap.Int("max_idle_conns", config.MaxIdleConns),
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Duration("health_check_interval", config.HealthCheckInterval),
	)
	return pm, nil
}

// DB 返回 GORM 实例
func (pm *PoolManager) DB() *gorm.DB { return pm.db }

func (pm *PoolManager) Ping(ctx context.Context) error {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if pm.closed {
		return ErrPoolClosed
	}
	return pm.sqlDB.PingContext(ctx)
}

func (pm *PoolManager) Stats() sql.DBStats { return pm.sqlDB.Stats() }

// Close stops the probe and closes the connections. Later calls are no-ops.
func (pm *PoolManager) Close() error {
	pm.mu.Lock()
	if pm.closed {
		pm.mu.Unlock()
		return nil
	}
	pm.closed = true
	pm.mu.Unlock()

	pm.cancel()
	<-pm.done
	pm.logger.Debug("closing database pool")
	return pm.sqlDB.Close()
}

func (pm *PoolManager) probe(ctx context.Context) {
	defer close(pm.done)
	ticker := time.NewTicker(pm.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := pm.Ping(pingCtx)
		cancel()
		switch {
		case err == nil:
			s := pm.Stats()
			pm.logger.Debug("database healthy",
				zap.Int("open", s.OpenConnections),
				zap.Int("in_use", s.InUse),
				zap.Int("idle", s.Idle),
			)
		case errors.Is(err, ErrPoolClosed), ctx.Err() != nil:
			return
		default:
			pm.logger.Error("database health check failed", zap.Error(err))
		}
	}
}

// =============================================================================
// 事务
// =============================================================================

// TransactionFunc 事务回调
type TransactionFunc func(tx *gorm.DB) error

// WithTransaction runs fn in one transaction; fn's error rolls it back.
func (pm *PoolManager) WithTransaction(ctx context.Context, fn TransactionFunc) error {
	pm.mu.RLock()
	closed := pm.closed
	pm.mu.RUnlock()
	if closed {
		return ErrPoolClosed
	}
	return pm.db.WithContext(ctx).Transaction(fn)
}

// WithTransactionRetry 最多执行 attempts 次，只重试死锁、序列化冲突、锁超时和断连
func (pm *PoolManager) WithTransactionRetry(ctx context.Context, attempts int, fn TransactionFunc) error {
	attempts = max(attempts, 1)
	backoff := pm.config.RetryBackoff
	if backoff <= 0 {
		backoff = DefaultPoolConfig().RetryBackoff
	}

	var err error
	for i := 1; i <= attempts; i++ {
		if err = pm.WithTransaction(ctx, fn); err == nil || !isRetryableError(err) {
			return err
		}
		if i == attempts {
			break
		}
		pm.logger.Warn("transaction conflict, retrying",
			zap.Int("attempt", i),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("transaction failed after %d attempts: %w", attempts, err)
}

// Postgres SQLSTATE 和 MySQL 错误号，见各自文档
var (
	retryablePgCodes = map[string]bool{
		"40001": true, // serialization_failure
		"40P01": true, // deadlock_detected
		"55P03": true, // lock_not_available
		"57P01": true, // admin_shutdown
	}
	retryableMySQLNumbers = map[uint16]bool{
		1205: true, // ER_LOCK_WAIT_TIMEOUT
		1213: true, // ER_LOCK_DEADLOCK
	}
	retryableMarkers = []string{
		"deadlock",
		"could not serialize access",
		"sqlstate 40001",
		"lock wait timeout",
		"database is locked",
		"sqlite_busy",
		"bad connection",
		"connection reset",
		"broken pipe",
	}
)

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retryablePgCodes[pgErr.Code]
	}
	var myErr *mysqlerr.MySQLError
	if errors.As(err, &myErr) {
		return retryableMySQLNumbers[myErr.Number]
	}
	// sqlite 和未包装的驱动错误只能按消息判断
	msg := strings.ToLower(err.Error())
	for _, m := range retryableMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
