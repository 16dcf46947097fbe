// Package service реализует бизнес-логику сервиса обмена баллов.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/pointshop/internal/approval"
	"github.com/mmeshcher/pointshop/internal/catalog"
	"github.com/mmeshcher/pointshop/internal/eligibility"
	"github.com/mmeshcher/pointshop/internal/identity"
	"github.com/mmeshcher/pointshop/internal/metrics"
	"github.com/mmeshcher/pointshop/internal/model"
	"github.com/mmeshcher/pointshop/internal/repository"
	"github.com/mmeshcher/pointshop/internal/validation"
)

// DefaultOperationTimeout ограничивает проверку баланса и запись транзакции.
const DefaultOperationTimeout = 10 * time.Second

const (
	// reconcileTimeout ограничивает повторное чтение истории после истёкшего таймаута записи.
	reconcileTimeout = 5 * time.Second
	// clockSkew допускает расхождение часов приложения и базы данных.
	clockSkew = time.Second
)

var (
	// ErrValidation возвращается при некорректных входных данных.
	ErrValidation = errors.New("validation failed")
	// ErrProductNotFound возвращается, если товара нет в каталоге.
	ErrProductNotFound = errors.New("product not found")
	// ErrInsufficientPoints возвращается, если баллов недостаточно для обмена.
	ErrInsufficientPoints = errors.New("not enough points")
	// ErrTransactionFailed возвращается, если транзакцию не удалось записать.
	ErrTransactionFailed = errors.New("transaction failed")
)

// ValidationError содержит сообщение, которое можно показать пользователю.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Is позволяет проверять ошибку через errors.Is(err, ErrValidation).
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(message string) error {
	return &ValidationError{Message: message}
}

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	UpsertUser(ctx context.Context, identity model.Identity) error
	GetUser(ctx context.Context, userID string) (*model.Identity, error)
	GetBalance(ctx context.Context, userID string) (int64, error)
	CreditPoints(ctx context.Context, userID string, points int64, reason string) error
	RecordRedemption(ctx context.Context, rt model.RedemptionTransaction) (*model.RedemptionTransaction, error)
	GetHistory(ctx context.Context, userID string) (model.ExpenditureHistory, error)
	UpdateStatus(ctx context.Context, transactionID string, status model.TransactionStatus) (*model.RedemptionTransaction, error)
}

// IdentityProvider обменивает код авторизации на профиль пользователя.
type IdentityProvider interface {
	ExchangeCode(ctx context.Context, code, redirectURI string) (*model.Identity, error)
}

// SessionIssuer выпускает сессионные токены.
type SessionIssuer interface {
	Issue(userID string) (string, error)
}

// ApprovalDispatcher ставит транзакцию в очередь на ручную проверку.
type ApprovalDispatcher interface {
	Dispatch(req approval.Request) <-chan error
}

// Dependencies перечисляет внешние компоненты сервиса.
type Dependencies struct {
	Identity         IdentityProvider
	Sessions         SessionIssuer
	Approvals        ApprovalDispatcher
	Logger           *zap.Logger
	OperationTimeout time.Duration
}

// Service содержит бизнес-логику сервиса обмена баллов.
type Service struct {
	repo      Repository
	catalog   *catalog.Catalog
	identity  IdentityProvider
	sessions  SessionIssuer
	approvals ApprovalDispatcher
	logger    *zap.Logger
	timeout   time.Duration
}

// NewService создаёт сервис с указанным репозиторием, каталогом и зависимостями.
func NewService(repo Repository, cat *catalog.Catalog, deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := deps.OperationTimeout
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	return &Service{
		repo:      repo,
		catalog:   cat,
		identity:  deps.Identity,
		sessions:  deps.Sessions,
		approvals: deps.Approvals,
		logger:    logger,
		timeout:   timeout,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Account описывает текущее состояние счёта пользователя.
type Account struct {
	Balance model.Balance
	History model.ExpenditureHistory
}

// LoginResult содержит результат входа через провайдера идентификации.
type LoginResult struct {
	Token    string
	Identity model.Identity
	Account
}

// RedemptionResult содержит результат успешного обмена.
type RedemptionResult struct {
	Transaction model.RedemptionTransaction
	Account
}

// Catalog возвращает товары каталога.
func (s *Service) Catalog() []model.Product {
	return s.catalog.Products()
}

// Login обменивает код авторизации на профиль, сохраняет пользователя и выпускает сессию.
func (s *Service) Login(ctx context.Context, code string) (*LoginResult, error) {
	if code == "" {
		return nil, invalid("code is required")
	}

	ident, err := s.identity.ExchangeCode(ctx, code, "")
	if err != nil {
		switch {
		case errors.Is(err, identity.ErrInvalidCode):
			metrics.Logins.WithLabelValues("invalid_code").Inc()
			return nil, err
		default:
			metrics.Logins.WithLabelValues("provider_error").Inc()
			if !errors.Is(err, identity.ErrProviderUnavailable) {
				err = fmt.Errorf("%w: %w", identity.ErrProviderUnavailable, err)
			}
			return nil, err
		}
	}

	if err := s.repo.UpsertUser(ctx, *ident); err != nil {
		return nil, fmt.Errorf("save user: %w", err)
	}

	token, err := s.sessions.Issue(ident.ID)
	if err != nil {
		return nil, fmt.Errorf("issue session: %w", err)
	}

	account, err := s.Refresh(ctx, ident.ID)
	if err != nil {
		return nil, err
	}

	metrics.Logins.WithLabelValues("success").Inc()
	return &LoginResult{Token: token, Identity: *ident, Account: *account}, nil
}

// Refresh возвращает актуальные баланс и историю пользователя.
func (s *Service) Refresh(ctx context.Context, userID string) (*Account, error) {
	balance, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	history, err := s.History(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Account{Balance: model.Balance{Points: balance}, History: history}, nil
}

// History возвращает историю обменов пользователя, от новых к старым.
func (s *Service) History(ctx context.Context, userID string) (model.ExpenditureHistory, error) {
	history, err := s.repo.GetHistory(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	if history == nil {
		history = model.ExpenditureHistory{}
	}
	return history, nil
}

// Redeem обменивает баллы пользователя на товар каталога. Транзакция создаётся
// в статусе pending-approval и после записи отправляется на проверку.
func (s *Service) Redeem(ctx context.Context, userID, productID, contactEmail string) (*RedemptionResult, error) {
	if productID == "" || contactEmail == "" {
		metrics.Redemptions.WithLabelValues("validation").Inc()
		return nil, invalid("productID and contactEmail are required")
	}
	if !validation.IsValidEmail(contactEmail) {
		metrics.Redemptions.WithLabelValues("validation").Inc()
		return nil, invalid("Invalid email address")
	}

	product, ok := s.catalog.Find(productID)
	if !ok {
		metrics.Redemptions.WithLabelValues("not_found").Inc()
		return nil, ErrProductNotFound
	}

	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	before, err := s.repo.GetBalance(opCtx, userID)
	if err != nil {
		return nil, s.transactionFailed("read balance", userID, err)
	}

	decision := eligibility.Evaluate(model.Balance{Points: before}, product)
	if !decision.Eligible {
		metrics.Redemptions.WithLabelValues("insufficient").Inc()
		return nil, ErrInsufficientPoints
	}

	started := time.Now()
	rt, err := s.repo.RecordRedemption(opCtx, model.RedemptionTransaction{
		UserID:        userID,
		ProductID:     product.ID,
		PointsSpent:   product.PointsPrice,
		MonetaryPrice: product.MonetaryPrice,
		ContactEmail:  contactEmail,
	})
	if err != nil {
		if errors.Is(err, repository.ErrInsufficientBalance) {
			metrics.Redemptions.WithLabelValues("insufficient").Inc()
			return nil, ErrInsufficientPoints
		}
		if opCtx.Err() == nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, s.transactionFailed("record redemption", userID, err)
		}
		// COMMIT мог выполниться до отмены контекста: ищем запись в истории.
		committed, found := s.findCommitted(ctx, userID, product.ID, contactEmail, started)
		if !found {
			return nil, s.transactionFailed("record redemption", userID, err)
		}
		s.logger.Warn("redemption committed after timeout",
			zap.Error(err),
			zap.String("userID", userID),
			zap.String("transactionID", committed.ID),
		)
		rt = committed
	}
	if rt == nil || rt.ID == "" {
		return nil, s.transactionFailed("record redemption", userID, errors.New("store returned no transaction id"))
	}
	metrics.Redemptions.WithLabelValues("success").Inc()

	account, err := s.Refresh(ctx, userID)
	if err != nil {
		s.logger.Warn("refresh after redemption error",
			zap.Error(err),
			zap.String("userID", userID),
			zap.String("transactionID", rt.ID),
		)
		account = &Account{
			Balance: model.Balance{Points: before - rt.PointsSpent},
			History: model.ExpenditureHistory{*rt},
		}
	}

	s.requestApproval(ctx, *rt, product, before)

	return &RedemptionResult{Transaction: *rt, Account: *account}, nil
}

// findCommitted ищет транзакцию, записанную запросом, который начался в started,
// но не дождался ответа хранилища. Используется свой контекст: исходный мог истечь.
func (s *Service) findCommitted(ctx context.Context, userID, productID, contactEmail string, started time.Time) (*model.RedemptionTransaction, bool) {
	checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reconcileTimeout)
	defer cancel()

	history, err := s.repo.GetHistory(checkCtx, userID)
	if err != nil {
		s.logger.Error("reconcile redemption error", zap.Error(err), zap.String("userID", userID))
		return nil, false
	}

	since := started.Add(-clockSkew)
	for _, rt := range history {
		if rt.Status == model.TransactionStatusPending &&
			rt.ProductID == productID &&
			rt.ContactEmail == contactEmail &&
			!rt.CreatedAt.Before(since) {
			found := rt
			return &found, true
		}
	}
	return nil, false
}

func (s *Service) transactionFailed(op, userID string, err error) error {
	metrics.Redemptions.WithLabelValues("failed").Inc()
	s.logger.Error("redemption error",
		zap.Error(err),
		zap.String("op", op),
		zap.String("userID", userID),
	)
	return fmt.Errorf("%w: %s: %w", ErrTransactionFailed, op, err)
}

func (s *Service) requestApproval(ctx context.Context, rt model.RedemptionTransaction, product model.Product, before int64) {
	if s.approvals == nil {
		s.logger.Warn("approval dispatcher is not configured", zap.String("transactionID", rt.ID))
		return
	}

	ident := model.Identity{ID: rt.UserID}
	if u, err := s.repo.GetUser(ctx, rt.UserID); err == nil {
		ident = *u
	} else {
		s.logger.Warn("get user for approval error", zap.Error(err), zap.String("userID", rt.UserID))
	}

	s.approvals.Dispatch(approval.Request{
		Transaction:   rt,
		Identity:      ident,
		BalanceBefore: before,
		Product:       product,
	})
}

// Review применяет решение проверяющего к транзакции в статусе pending-approval.
func (s *Service) Review(ctx context.Context, transactionID string, status model.TransactionStatus) (*model.RedemptionTransaction, error) {
	if transactionID == "" {
		return nil, invalid("transaction id is required")
	}
	if !status.IsValid() || status == model.TransactionStatusPending {
		return nil, invalid("status must be approved or rejected")
	}

	rt, err := s.repo.UpdateStatus(ctx, transactionID, status)
	if err != nil {
		return nil, err
	}
	s.logger.Info("transaction reviewed",
		zap.String("transactionID", rt.ID),
		zap.String("userID", rt.UserID),
		zap.String("status", string(rt.Status)),
	)
	return rt, nil
}

// Credit начисляет баллы пользователю и возвращает новый баланс.
func (s *Service) Credit(ctx context.Context, userID string, points int64, reason string) (*model.Balance, error) {
	if userID == "" {
		return nil, invalid("user id is required")
	}
	if points <= 0 {
		return nil, invalid("points must be positive")
	}

	if err := s.repo.CreditPoints(ctx, userID, points, reason); err != nil {
		return nil, fmt.Errorf("credit points: %w", err)
	}
	balance, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get balance: %w", err)
	}
	s.logger.Info("points credited",
		zap.String("userID", userID),
		zap.Int64("points", points),
		zap.String("reason", reason),
	)
	return &model.Balance{Points: balance}, nil
}
