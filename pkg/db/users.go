package db

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"peer-sync/pkg/model"
)

// ErrUserNotFound is returned by FindByUsername.
var ErrUserNotFound = errors.New("user not found")

// Users is the gorm-backed operator account repository.
type Users struct {
	db *gorm.DB
}

func NewUsers(db *gorm.DB) *Users { return &Users{db: db} }

func (u *Users) Count() (int64, error) {
	var n int64
	if err := u.db.Model(&model.User{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

func (u *Users) Create(user *model.User) error {
	if err := u.db.Create(user).Error; err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (u *Users) FindByUsername(name string) (model.User, error) {
	var user model.User
	err := u.db.Where("username = ?", name).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.User{}, ErrUserNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("find user: %w", err)
	}
	return user, nil
}
