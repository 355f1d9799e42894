package auth

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/friendsincode/skald_jukebox/internal/models"
)

// ErrBadCredentials is returned for unknown accounts and wrong passwords
// alike.
var ErrBadCredentials = errors.New("invalid credentials")

// Users verifies account credentials against the catalog database.
type Users struct {
	db *gorm.DB
}

// NewUsers creates the account store.
func NewUsers(db *gorm.DB) *Users {
	return &Users{db: db}
}

// Authenticate checks name and password and returns the matching account.
func (u *Users) Authenticate(ctx context.Context, name, password string) (models.User, error) {
	var user models.User
	err := u.db.WithContext(ctx).First(&user, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Burn a hash anyway so timing does not reveal account existence.
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000"), []byte(password))
		return user, ErrBadCredentials
	}
	if err != nil {
		return user, fmt.Errorf("load user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)) != nil {
		return user, ErrBadCredentials
	}
	return user, nil
}

// Create registers an account with a bcrypt password hash.
func (u *Users) Create(ctx context.Context, name, password string, admin bool) (models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return models.User{}, fmt.Errorf("hash password: %w", err)
	}

	user := models.User{Name: name, Password: string(hash), Admin: admin}
	if err := u.db.WithContext(ctx).Create(&user).Error; err != nil {
		return user, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}
