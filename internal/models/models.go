package models

import (
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"
)

// BaseModel provides common fields and auto-generated ULID for all models
type BaseModel struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(26)"`
	CreatedAt time.Time `json:"created_at"`
}

// BeforeCreate generates a ULID for the ID field if it's empty
func (b *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if b.ID == "" {
		b.ID = ulid.Make().String()
	}
	return nil
}

// User is an account. Accounts created through a magic link have no password
// until the user sets one.
type User struct {
	BaseModel
	Email        string    `json:"email" gorm:"unique;not null"`
	PasswordHash string    `json:"-"`
	IsPro        bool      `json:"is_pro" gorm:"not null;default:false"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasPassword reports whether password login is possible for the account
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// Token purposes
const (
	PurposeLogin    = "login"
	PurposeCheckout = "checkout"
	PurposeReset    = "reset"
)

// LoginToken is a single-use, time-limited token delivered out of band
type LoginToken struct {
	BaseModel
	Token        string     `json:"-" gorm:"uniqueIndex;not null"`
	Email        string     `json:"email" gorm:"index;not null"`
	Purpose      string     `json:"purpose" gorm:"not null"`
	RedirectPath string     `json:"redirect_path"`
	ExpiresAt    time.Time  `json:"expires_at" gorm:"not null"`
	ConsumedAt   *time.Time `json:"consumed_at"`
}

// DeviceSession is one signed-in device. Deleting the row revokes the session.
type DeviceSession struct {
	BaseModel
	UserID      string    `json:"user_id" gorm:"index;not null"`
	Fingerprint string    `json:"fingerprint" gorm:"not null"`
	DeviceType  string    `json:"device_type"`
	Browser     string    `json:"browser"`
	OS          string    `json:"os"`
	IPAddress   string    `json:"ip_address"`
	LastUsedAt  time.Time `json:"last_used_at" gorm:"index;not null"`

	User *User `json:"user,omitempty" gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE"`
}

// ExportRecord counts an export against the daily free quota
type ExportRecord struct {
	BaseModel
	UserID     string `json:"user_id" gorm:"index;not null"`
	DocumentID string `json:"document_id" gorm:"not null"`
	Layout     string `json:"layout" gorm:"not null"`
}

// Checkout statuses
const (
	CheckoutPending  = "pending"
	CheckoutComplete = "complete"
	CheckoutFailed   = "failed"
)

// CheckoutSession is a hosted payment started for an email
type CheckoutSession struct {
	BaseModel
	Email  string `json:"email" gorm:"index;not null"`
	Plan   string `json:"plan" gorm:"not null"`
	Status string `json:"status" gorm:"not null;default:pending"`
	// Token is the checkout verification token, issued on completion
	Token string `json:"-"`
}

// AutoMigrate runs database migrations for all models
func AutoMigrate(db *gorm.DB) error {
	models := []interface{}{
		&User{}, &LoginToken{}, &DeviceSession{}, &ExportRecord{}, &CheckoutSession{},
	}

	return db.AutoMigrate(models...)
}

// FindByID safely finds a record by string ID
func FindByID[T any](db *gorm.DB, id string, model *T) error {
	return db.Where("id = ?", id).First(model).Error
}
