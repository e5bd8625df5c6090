package gormstore

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// User mirrors the billing_users table. Version increments on every balance write.
type User struct {
	ID        int64           `gorm:"primaryKey;autoIncrement"`
	Email     string          `gorm:"size:180;not null;uniqueIndex:uniq_billing_users_email"`
	Roles     datatypes.JSON  `gorm:"not null"`
	Balance   decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	Version   int64           `gorm:"not null;default:0"`
	CreatedAt time.Time       `gorm:"not null"`
}

func (User) TableName() string { return "billing_users" }

// Course mirrors the courses table.
type Course struct {
	ID    int64           `gorm:"primaryKey;autoIncrement"`
	Code  string          `gorm:"size:255;not null;uniqueIndex:uniq_courses_code"`
	Price decimal.Decimal `gorm:"type:numeric(10,2);not null"`
	Type  int16           `gorm:"type:smallint;not null"`
}

func (Course) TableName() string { return "courses" }

// Transaction mirrors the append-only transactions table.
type Transaction struct {
	ID        int64           `gorm:"primaryKey;autoIncrement"`
	ClientID  int64           `gorm:"not null;index:idx_transactions_client_created,priority:1"`
	Client    User            `gorm:"foreignKey:ClientID"`
	CourseID  *int64          `gorm:"index"`
	Course    *Course         `gorm:"foreignKey:CourseID"`
	Type      int16           `gorm:"type:smallint;not null"`
	Amount    decimal.Decimal `gorm:"type:numeric(10,2);not null"`
	CreatedAt time.Time       `gorm:"not null;index:idx_transactions_client_created,priority:2"`
	ExpiresAt *time.Time      `gorm:"index"`
}

func (Transaction) TableName() string { return "transactions" }

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{}, &Course{}, &Transaction{})
}
