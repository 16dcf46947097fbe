package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/pointshop/internal/ids"
	"github.com/mmeshcher/pointshop/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Проверка баланса и списание
// выполняются под одной блокировкой, что даёт ту же гарантию, что и блокировка строки
// пользователя в PostgreSQL. Данные не переживают перезапуск.
type MemoryRepository struct {
	mu          sync.RWMutex
	users       map[string]model.Identity
	credits     map[string]int64
	redemptions map[string]*memoryRedemption
	byUser      map[string][]string
}

type memoryRedemption struct {
	tx              model.RedemptionTransaction
	reviewMessageID string
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		users:       make(map[string]model.Identity),
		credits:     make(map[string]int64),
		redemptions: make(map[string]*memoryRedemption),
		byUser:      make(map[string][]string),
	}
}

// Close ничего не делает.
func (m *MemoryRepository) Close() error { return nil }

// UpsertUser сохраняет пользователя или обновляет его профиль.
func (m *MemoryRepository) UpsertUser(ctx context.Context, identity model.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[identity.ID] = identity
	return nil
}

// GetUser возвращает сохранённый профиль пользователя.
func (m *MemoryRepository) GetUser(ctx context.Context, userID string) (*model.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

// GetBalance возвращает текущий баланс пользователя в баллах.
func (m *MemoryRepository) GetBalance(ctx context.Context, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balanceLocked(userID), nil
}

func (m *MemoryRepository) balanceLocked(userID string) int64 {
	balance := m.credits[userID]
	for _, id := range m.byUser[userID] {
		r := m.redemptions[id]
		if r.tx.Status != model.TransactionStatusRejected {
			balance -= r.tx.PointsSpent
		}
	}
	return balance
}

// CreditPoints начисляет баллы пользователю.
func (m *MemoryRepository) CreditPoints(ctx context.Context, userID string, points int64, reason string) error {
	if points <= 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		m.users[userID] = model.Identity{ID: userID}
	}
	m.credits[userID] += points
	return nil
}

// RecordRedemption атомарно проверяет баланс, списывает баллы и создаёт запись о транзакции.
func (m *MemoryRepository) RecordRedemption(ctx context.Context, rt model.RedemptionTransaction) (*model.RedemptionTransaction, error) {
	if rt.PointsSpent <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[rt.UserID]; !ok {
		return nil, ErrUserNotFound
	}
	if rt.PointsSpent > m.balanceLocked(rt.UserID) {
		return nil, ErrInsufficientBalance
	}

	rt.ID = ids.New()
	rt.CreatedAt = time.Now().UTC()
	rt.Status = model.TransactionStatusPending

	m.redemptions[rt.ID] = &memoryRedemption{tx: rt}
	m.byUser[rt.UserID] = append(m.byUser[rt.UserID], rt.ID)

	out := rt
	return &out, nil
}

// GetHistory возвращает историю обменов пользователя, от новых к старым.
func (m *MemoryRepository) GetHistory(ctx context.Context, userID string) (model.ExpenditureHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txIDs := m.byUser[userID]
	history := make(model.ExpenditureHistory, 0, len(txIDs))
	for _, id := range txIDs {
		history = append(history, m.redemptions[id].tx)
	}
	sort.SliceStable(history, func(i, j int) bool {
		return history[i].ID > history[j].ID
	})
	return history, nil
}

// AttachReviewMessage связывает транзакцию с сообщением на площадке проверки.
func (m *MemoryRepository) AttachReviewMessage(ctx context.Context, transactionID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.redemptions[transactionID]
	if !ok || r.reviewMessageID != "" {
		return ErrTransactionNotFound
	}
	r.reviewMessageID = messageID
	return nil
}

// UpdateStatus переводит транзакцию из pending-approval в итоговый статус.
func (m *MemoryRepository) UpdateStatus(ctx context.Context, transactionID string, status model.TransactionStatus) (*model.RedemptionTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.redemptions[transactionID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	if r.tx.Status != model.TransactionStatusPending {
		return nil, fmt.Errorf("%w: status is %s", ErrStatusTransition, r.tx.Status)
	}
	r.tx.Status = status
	out := r.tx
	return &out, nil
}

// ReviewMessageID возвращает идентификатор сообщения проверки для транзакции.
func (m *MemoryRepository) ReviewMessageID(transactionID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.redemptions[transactionID]
	if !ok || r.reviewMessageID == "" {
		return "", false
	}
	return r.reviewMessageID, true
}
