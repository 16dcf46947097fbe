// Package handler содержит HTTP-обработчики API сервиса обмена баллов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/pointshop/internal/identity"
	"github.com/mmeshcher/pointshop/internal/middleware"
	"github.com/mmeshcher/pointshop/internal/model"
	"github.com/mmeshcher/pointshop/internal/repository"
	"github.com/mmeshcher/pointshop/internal/service"
)

const maxBodyBytes = 1 << 20

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	Login(ctx context.Context, code string) (*service.LoginResult, error)
	Refresh(ctx context.Context, userID string) (*service.Account, error)
	History(ctx context.Context, userID string) (model.ExpenditureHistory, error)
	Redeem(ctx context.Context, userID, productID, contactEmail string) (*service.RedemptionResult, error)
	Review(ctx context.Context, transactionID string, status model.TransactionStatus) (*model.RedemptionTransaction, error)
	Credit(ctx context.Context, userID string, points int64, reason string) (*model.Balance, error)
	Catalog() []model.Product
}

// Config содержит параметры HTTP-слоя.
type Config struct {
	ReviewerToken  string
	LoginLimiter   *middleware.RateLimiter
	RequestTimeout time.Duration
	TrustProxy     bool
}

// Handler реализует HTTP-обработчики API сервиса обмена баллов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.SessionAuth
	cfg            Config
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.SessionAuth, cfg Config) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		cfg:            cfg,
	}
}

type errorResponse struct {
	Error   bool   `json:"error"`
	Message string `json:"message"`
}

type loginResponse struct {
	Error             bool                     `json:"error"`
	SessionCredential string                   `json:"sessionCredential"`
	Identity          model.Identity           `json:"identity"`
	Balance           int64                    `json:"balance"`
	History           model.ExpenditureHistory `json:"history"`
	Catalog           []model.Product          `json:"catalog"`
}

type refreshResponse struct {
	Error   bool                     `json:"error"`
	Balance int64                    `json:"balance"`
	History model.ExpenditureHistory `json:"history"`
	Catalog []model.Product          `json:"catalog"`
}

type redeemRequest struct {
	ProductID    string `json:"productID"`
	ContactEmail string `json:"contactEmail"`
	EmailAddress string `json:"emailAddress"`
}

type redeemResponse struct {
	Error         bool                     `json:"error"`
	TransactionID string                   `json:"transactionID"`
	Balance       int64                    `json:"balance"`
	History       model.ExpenditureHistory `json:"history"`
}

type historyResponse struct {
	Error   bool                     `json:"error"`
	History model.ExpenditureHistory `json:"history"`
}

type catalogResponse struct {
	Error   bool            `json:"error"`
	Catalog []model.Product `json:"catalog"`
}

type reviewRequest struct {
	Status model.TransactionStatus `json:"status"`
}

type reviewResponse struct {
	Error       bool                        `json:"error"`
	Transaction model.RedemptionTransaction `json:"transaction"`
}

type creditRequest struct {
	Points int64  `json:"points"`
	Reason string `json:"reason"`
}

type creditResponse struct {
	Error   bool  `json:"error"`
	Balance int64 `json:"balance"`
}

// Login обменивает код авторизации провайдера на сессионный токен.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		h.writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	res, err := h.service.Login(r.Context(), code)
	if err != nil {
		h.writeServiceError(w, err, zap.String("op", "login"))
		return
	}

	h.writeJSON(w, http.StatusOK, loginResponse{
		SessionCredential: res.Token,
		Identity:          res.Identity,
		Balance:           res.Balance.Points,
		History:           res.History,
		Catalog:           h.service.Catalog(),
	})
}

// Refresh возвращает актуальные баланс, историю и каталог.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	account, err := h.service.Refresh(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, zap.String("op", "refresh"), zap.String("userID", userID))
		return
	}

	h.writeJSON(w, http.StatusOK, refreshResponse{
		Balance: account.Balance.Points,
		History: account.History,
		Catalog: h.service.Catalog(),
	})
}

// Redeem обменивает баллы текущего пользователя на товар каталога.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req redeemRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}
	email := req.ContactEmail
	if email == "" {
		email = req.EmailAddress
	}

	res, err := h.service.Redeem(r.Context(), userID, req.ProductID, email)
	if err != nil {
		h.writeServiceError(w, err,
			zap.String("op", "redeem"),
			zap.String("userID", userID),
			zap.String("productID", req.ProductID),
		)
		return
	}

	h.writeJSON(w, http.StatusOK, redeemResponse{
		TransactionID: res.Transaction.ID,
		Balance:       res.Balance.Points,
		History:       res.History,
	})
}

// History возвращает историю обменов текущего пользователя.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	history, err := h.service.History(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, zap.String("op", "history"), zap.String("userID", userID))
		return
	}

	h.writeJSON(w, http.StatusOK, historyResponse{History: history})
}

// Catalog возвращает каталог товаров.
func (h *Handler) Catalog(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, catalogResponse{Catalog: h.service.Catalog()})
}

// Review принимает решение проверяющего по транзакции.
func (h *Handler) Review(w http.ResponseWriter, r *http.Request) {
	transactionID := chi.URLParam(r, "id")

	var req reviewRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	rt, err := h.service.Review(r.Context(), transactionID, req.Status)
	if err != nil {
		h.writeServiceError(w, err, zap.String("op", "review"), zap.String("transactionID", transactionID))
		return
	}

	h.writeJSON(w, http.StatusOK, reviewResponse{Transaction: *rt})
}

// Credit начисляет баллы пользователю.
func (h *Handler) Credit(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	var req creditRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	balance, err := h.service.Credit(r.Context(), userID, req.Points, req.Reason)
	if err != nil {
		h.writeServiceError(w, err, zap.String("op", "credit"), zap.String("userID", userID))
		return
	}

	h.writeJSON(w, http.StatusOK, creditResponse{Balance: balance.Points})
}

// Health сообщает, что процесс жив.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, errorResponse{Message: "ok"})
}

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// writeServiceError переводит ошибку бизнес-логики в HTTP-ответ. Подробности
// внутренних ошибок только логируются.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, fields ...zap.Field) {
	var ve *service.ValidationError
	switch {
	case errors.As(err, &ve):
		h.writeError(w, http.StatusBadRequest, ve.Message)
	case errors.Is(err, service.ErrValidation):
		h.writeError(w, http.StatusBadRequest, "Invalid request")
	case errors.Is(err, service.ErrProductNotFound):
		h.writeError(w, http.StatusNotFound, "Product not found")
	case errors.Is(err, service.ErrInsufficientPoints):
		h.writeError(w, http.StatusPaymentRequired, "Not enough points")
	case errors.Is(err, identity.ErrInvalidCode):
		h.writeError(w, http.StatusUnauthorized, "Invalid authorization code")
	case errors.Is(err, identity.ErrProviderUnavailable):
		h.logger.Error("identity provider error", append(fields, zap.Error(err))...)
		h.writeError(w, http.StatusBadGateway, "Identity provider unavailable")
	case errors.Is(err, repository.ErrTransactionNotFound):
		h.writeError(w, http.StatusNotFound, "Transaction not found")
	case errors.Is(err, repository.ErrStatusTransition):
		h.writeError(w, http.StatusConflict, "Transaction already reviewed")
	case errors.Is(err, service.ErrTransactionFailed):
		h.logger.Error("transaction error", append(fields, zap.Error(err))...)
		h.writeError(w, http.StatusInternalServerError, "Transaction failed")
	default:
		h.logger.Error("request error", append(fields, zap.Error(err))...)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: true, Message: message})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}
