// Package model содержит доменные сущности сервиса обмена баллов.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Identity представляет пользователя, подтверждённого внешним провайдером идентификации.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarURL"`
}

// Balance содержит количество баллов, доступных пользователю.
type Balance struct {
	Points int64 `json:"points"`
}

// Product описывает позицию каталога, доступную для обмена на баллы.
type Product struct {
	ID            string          `json:"id" yaml:"id"`
	Name          string          `json:"name" yaml:"name"`
	Description   string          `json:"description,omitempty" yaml:"description"`
	ImageURL      string          `json:"imageURL,omitempty" yaml:"image_url"`
	PointsPrice   int64           `json:"points" yaml:"points"`
	MonetaryPrice decimal.Decimal `json:"price" yaml:"price"`
}

// TransactionStatus описывает состояние транзакции обмена.
type TransactionStatus string

const (
	TransactionStatusPending  TransactionStatus = "pending-approval"
	TransactionStatusApproved TransactionStatus = "approved"
	TransactionStatusRejected TransactionStatus = "rejected"
)

// IsValid сообщает, является ли статус одним из известных.
func (s TransactionStatus) IsValid() bool {
	switch s {
	case TransactionStatusPending, TransactionStatusApproved, TransactionStatusRejected:
		return true
	}
	return false
}

// RedemptionTransaction описывает факт обмена баллов на товар.
type RedemptionTransaction struct {
	ID            string            `json:"transactionID"`
	UserID        string            `json:"userID"`
	ProductID     string            `json:"productID"`
	PointsSpent   int64             `json:"pointsSpent"`
	MonetaryPrice decimal.Decimal   `json:"monetaryPrice"`
	ContactEmail  string            `json:"contactEmail"`
	CreatedAt     time.Time         `json:"createdAt"`
	Status        TransactionStatus `json:"status"`
}

// ExpenditureHistory содержит транзакции пользователя, от новых к старым.
type ExpenditureHistory []RedemptionTransaction
