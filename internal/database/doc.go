/*
包 database 提供基于 GORM 的数据库连接池管理，供 SQL 会话快照存储使用。

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB()、Ping()、Stats()、Close()，
    并在配置了 HealthCheckInterval 时后台探活。
  - PoolConfig：连接数上限、连接生命周期、探活间隔、慢查询阈值与事务重试退避。
  - GormLogger：把 GORM 日志转到 zap，错误和慢查询分别以 error/warn 记录。

# 驱动

Open/Dialector 按驱动名选择方言：postgres（gorm.io/driver/postgres）、
mysql（gorm.io/driver/mysql）、sqlite（github.com/glebarez/sqlite，纯 Go 实现）。

# 事务

WithTransactionRetry 只重试冲突类错误：Postgres 按 SQLSTATE（pgconn.PgError），
MySQL 按错误号（mysql.MySQLError），sqlite 按错误消息。
*/
package database
