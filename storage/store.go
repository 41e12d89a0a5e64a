package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	mysqldriver "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var (
	// ErrDuplicateUser is returned by CreateUser when the username is taken.
	ErrDuplicateUser = errors.New("username already taken")
	// ErrUnknownUser is returned when a transaction names a user that does not exist.
	ErrUnknownUser = errors.New("user not found")
	// ErrUnsupportedDriver is returned by Open for an unknown driver name.
	ErrUnsupportedDriver = errors.New("storage: unsupported driver")
)

// Config selects and tunes the database.
type Config struct {
	Driver          string // "mysql" or "sqlite"
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int
}

// Store is the relational store behind the finance handlers. It is safe for
// concurrent use; gorm pools the connections.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	cost   int
}

// Open connects to the configured database. It does not migrate.
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         newGormLogger(logger),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := New(db, logger)
	if cfg.BcryptCost > 0 {
		s.cost = cfg.BcryptCost
	}
	return s, nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger, cost: bcrypt.DefaultCost}
}

// Migrate creates or updates the users, transactions and ledger tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(models()...); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateUser stores a new user and returns its id.
func (s *Store) CreateUser(ctx context.Context, username, password string) (uint64, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return 0, fmt.Errorf("failed to hash password: %w", err)
	}
	u := User{Username: username, Password: string(hash)}
	if err := s.db.WithContext(ctx).Create(&u).Error; err != nil {
		if isDuplicate(err) {
			return 0, ErrDuplicateUser
		}
		return 0, fmt.Errorf("failed to create user: %w", err)
	}
	return u.ID, nil
}

// AuthenticateUser returns the id of the user with these credentials.
// ok is false when the user does not exist or the password does not match.
func (s *Store) AuthenticateUser(ctx context.Context, username, password string) (id uint64, ok bool, err error) {
	var u User
	err = s.db.WithContext(ctx).Where("username = ?", username).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(password)) != nil {
		return 0, false, nil
	}
	return u.ID, true, nil
}

// AddTransaction records a transaction for an existing user.
func (s *Store) AddTransaction(ctx context.Context, userID uint64, kind, category string, amount float64) (uint64, error) {
	tx := Transaction{UserID: userID, Type: kind, Category: category, Amount: amount}
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		var n int64
		if err := db.Model(&User{}).Where("id = ?", userID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrUnknownUser
		}
		return db.Create(&tx).Error
	})
	if errors.Is(err, ErrUnknownUser) {
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("failed to add transaction: %w", err)
	}
	return tx.ID, nil
}

// ListTransactions returns a user's transactions of one kind, oldest first.
func (s *Store) ListTransactions(ctx context.Context, userID uint64, kind string) ([]Transaction, error) {
	txs := make([]Transaction, 0)
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND type = ?", userID, kind).
		Order("id").
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return txs, nil
}

// DeleteTransaction removes a transaction. Deleting an absent id succeeds.
func (s *Store) DeleteTransaction(ctx context.Context, id uint64) error {
	if err := s.db.WithContext(ctx).Delete(&Transaction{}, id).Error; err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	return nil
}

// DeleteUser removes a user's transactions and then the user, in one SQL
// transaction. Deleting an absent id succeeds.
func (s *Store) DeleteUser(ctx context.Context, id uint64) error {
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		if err := db.Where("user_id = ?", id).Delete(&Transaction{}).Error; err != nil {
			return err
		}
		return db.Delete(&User{}, id).Error
	})
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return nil
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var me *mysqldriver.MySQLError
	if errors.As(err, &me) && me.Number == 1062 {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
