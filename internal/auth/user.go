package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// ErrBadCredentials is returned for an unknown user code or a wrong
// password; callers must not learn which.
var ErrBadCredentials = errors.New("invalid user code or password")

// User is one account row, used only for credential checks at login.
type User struct {
	ID           int64     `gorm:"primaryKey;autoIncrement" json:"id,string"`
	UserCode     string    `gorm:"size:50;uniqueIndex;not null" json:"userCode"`
	UserName     string    `gorm:"size:100" json:"userName"`
	PasswordHash string    `gorm:"size:100;not null" json:"-"`
	CreateTime   time.Time `gorm:"autoCreateTime" json:"createTime"`
}

// TableName keeps the legacy table naming.
func (User) TableName() string { return "t_user" }

// CheckPassword reports whether the cleartext matches the stored hash.
func (u *User) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) == nil
}

// HashPassword derives the bcrypt hash stored on the user row.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// UserStore looks accounts up for login.
type UserStore interface {
	// FindByCode returns the user, or ErrBadCredentials when absent.
	FindByCode(ctx context.Context, userCode string) (*User, error)
}

// GormUserStore reads users from the relational database.
type GormUserStore struct {
	db *gorm.DB
}

// NewGormUserStore wraps db.
func NewGormUserStore(db *gorm.DB) *GormUserStore {
	return &GormUserStore{db: db}
}

// Migrate creates the user table.
func (s *GormUserStore) Migrate() error {
	return s.db.AutoMigrate(&User{})
}

// FindByCode loads one user by code.
func (s *GormUserStore) FindByCode(ctx context.Context, userCode string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("user_code = ?", userCode).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBadCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &user, nil
}

// MemoryUserStore is the in-memory UserStore for tests and local runs.
type MemoryUserStore struct {
	mu     sync.RWMutex
	nextID int64
	byCode map[string]*User
}

// NewMemoryUserStore creates an empty store.
func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{byCode: make(map[string]*User)}
}

// Add registers a user, assigning an id when unset.
func (s *MemoryUserStore) Add(user *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user.ID == 0 {
		s.nextID++
		user.ID = s.nextID
	}
	if user.CreateTime.IsZero() {
		user.CreateTime = time.Now()
	}
	s.byCode[user.UserCode] = user
}

// FindByCode looks a user up by code.
func (s *MemoryUserStore) FindByCode(_ context.Context, userCode string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.byCode[userCode]
	if !ok {
		return nil, ErrBadCredentials
	}
	copied := *user
	return &copied, nil
}
