// Package eligibility определяет, может ли пользователь обменять баллы на товар.
package eligibility

import "github.com/mmeshcher/pointshop/internal/model"

// Reason описывает причину отказа.
type Reason string

// InsufficientPoints означает, что баланса не хватает для оплаты товара.
const InsufficientPoints Reason = "insufficient-points"

// Decision описывает результат проверки. Reason заполнен только при Eligible == false.
type Decision struct {
	Eligible bool
	Reason   Reason
}

// Evaluate сравнивает баланс пользователя с ценой товара в баллах.
func Evaluate(balance model.Balance, product model.Product) Decision {
	if balance.Points >= product.PointsPrice {
		return Decision{Eligible: true}
	}
	return Decision{Reason: InsufficientPoints}
}
