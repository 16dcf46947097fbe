// Package approval отправляет транзакции обмена на ручную проверку.
package approval

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/pointshop/internal/model"
)

// PendingLabel задаёт метку статуса в сообщении для проверяющего.
const PendingLabel = "Processing... (react to approve)"

func statusLabel(status model.TransactionStatus) string {
	if status == model.TransactionStatusPending || status == "" {
		return PendingLabel
	}
	return string(status)
}

// Request содержит данные для уведомления о новой транзакции.
type Request struct {
	Transaction   model.RedemptionTransaction
	Identity      model.Identity
	BalanceBefore int64
	Product       model.Product
}

// Summary содержит человекочитаемую сводку транзакции для площадки проверки.
type Summary struct {
	TransactionID string
	UserID        string
	UserName      string
	AvatarURL     string
	ContactEmail  string
	BalanceBefore int64
	ProductName   string
	MonetaryPrice decimal.Decimal
	PointsSpent   int64
	CreatedAt     time.Time
	Status        model.TransactionStatus
}

// BuildSummary формирует сводку по транзакции.
func BuildSummary(req Request) Summary {
	name := req.Identity.DisplayName
	if name == "" {
		name = req.Transaction.UserID
	}
	productName := req.Product.Name
	if productName == "" {
		productName = req.Transaction.ProductID
	}

	return Summary{
		TransactionID: req.Transaction.ID,
		UserID:        req.Transaction.UserID,
		UserName:      name,
		AvatarURL:     req.Identity.AvatarURL,
		ContactEmail:  req.Transaction.ContactEmail,
		BalanceBefore: req.BalanceBefore,
		ProductName:   productName,
		MonetaryPrice: req.Transaction.MonetaryPrice,
		PointsSpent:   req.Transaction.PointsSpent,
		CreatedAt:     req.Transaction.CreatedAt,
		Status:        model.TransactionStatusPending,
	}
}
