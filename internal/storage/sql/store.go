package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/lib/pq" // PostgreSQL driver
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"clipportal/backend/internal/domain"
)

// mailboxRecord 邮箱注册表的数据库模型
//
// 主键 id 是 ID 占用的权威判断，并发创建同一 ID 时只有一个 INSERT 成功。
type mailboxRecord struct {
	ID              string `gorm:"primaryKey;size:8"`
	CapabilityMode  string `gorm:"size:16;not null"`
	SecretHash      string `gorm:"size:128"`
	PublicKeyBase64 string `gorm:"type:text"`
	CreatedAt       time.Time
}

func (mailboxRecord) TableName() string {
	return "mailboxes"
}

// Store SQL 邮箱注册表（支持 MySQL 5.7+ 和 PostgreSQL）
//
// 只保存 ID、凭证材料和创建时间；内容与元数据记录仍然在磁盘上。
type Store struct {
	db         *sql.DB
	gormDB     *gorm.DB
	driverName string // "mysql" or "postgres"
}

// NewStore 创建 SQL 邮箱注册表
func NewStore(
	driverName string,
	dsn string,
	maxOpenConns int,
	maxIdleConns int,
	connMaxLifetime time.Duration,
) (*Store, error) {
	// 验证驱动类型
	if driverName != "mysql" && driverName != "postgres" {
		return nil, fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres)", driverName)
	}

	// 打开数据库连接
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 设置连接池参数
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	// 测试连接
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var dialector gorm.Dialector
	if driverName == "mysql" {
		dialector = mysql.New(mysql.Config{Conn: db})
	} else {
		dialector = postgres.New(postgres.Config{Conn: db})
	}

	gormDB, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize GORM: %w", err)
	}

	store := &Store{
		db:         db,
		gormDB:     gormDB,
		driverName: driverName,
	}

	// 自动执行数据库迁移
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Claim 插入邮箱记录，主键冲突返回 ErrMailboxExists
func (s *Store) Claim(ctx context.Context, mailbox *domain.Mailbox, capability *domain.Capability) error {
	record := &mailboxRecord{
		ID:              mailbox.ID,
		CapabilityMode:  string(capability.Mode),
		SecretHash:      capability.SecretHash,
		PublicKeyBase64: capability.PublicKeyBase64,
		CreatedAt:       mailbox.CreatedAt,
	}

	if err := s.gormDB.WithContext(ctx).Create(record).Error; err != nil {
		if isDuplicateKey(err) {
			return domain.ErrMailboxExists
		}
		return fmt.Errorf("failed to insert mailbox: %w", err)
	}

	return nil
}

// Exists 检查邮箱是否存在
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	var count int64
	err := s.gormDB.WithContext(ctx).
		Model(&mailboxRecord{}).
		Where("id = ?", id).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to query mailbox: %w", err)
	}
	return count > 0, nil
}

// Capability 读取邮箱的凭证材料
func (s *Store) Capability(ctx context.Context, id string) (*domain.Capability, error) {
	var record mailboxRecord
	err := s.gormDB.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrMailboxNotFound
		}
		return nil, fmt.Errorf("failed to query mailbox: %w", err)
	}

	return &domain.Capability{
		Mode:            domain.CapabilityMode(record.CapabilityMode),
		SecretHash:      record.SecretHash,
		PublicKeyBase64: record.PublicKeyBase64,
	}, nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Health 检查数据库健康状态
func (s *Store) Health() error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	return s.db.Ping()
}

// migrate 执行数据库迁移（使用GORM AutoMigrate）
func (s *Store) migrate() error {
	return s.gormDB.AutoMigrate(&mailboxRecord{})
}

// isDuplicateKey 判断是否为主键冲突
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" // unique_violation
	}

	var mysqlErr *mysqldriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062 // ER_DUP_ENTRY
	}

	return false
}
