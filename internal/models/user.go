package models

import (
	"time"

	"gorm.io/gorm"
)

// User is an account that can participate in conversations.
type User struct {
	ID           uint           `json:"id" gorm:"primarykey"`
	FullName     string         `json:"fullName" gorm:"not null"`
	Email        string         `json:"email" gorm:"uniqueIndex;not null"`
	Password     string         `json:"-" gorm:"not null"`
	Department   string         `json:"department"`
	ProfileImage string         `json:"profileImage"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
	DeletedAt    gorm.DeletedAt `json:"-" gorm:"index"`
}

// UserSummary is the embedded shape a user takes inside chat payloads.
// IsOnline is only populated by endpoints with access to presence state.
type UserSummary struct {
	ID           uint   `json:"id"`
	FullName     string `json:"fullName"`
	Department   string `json:"department,omitempty"`
	ProfileImage string `json:"profileImage,omitempty"`
	IsOnline     bool   `json:"isOnline,omitempty"`
}

// Summary trims a user down to the fields exposed in chat payloads.
func (u *User) Summary() UserSummary {
	return UserSummary{
		ID:           u.ID,
		FullName:     u.FullName,
		Department:   u.Department,
		ProfileImage: u.ProfileImage,
	}
}
