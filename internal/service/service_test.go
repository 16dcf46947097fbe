package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/pointshop/internal/approval"
	"github.com/mmeshcher/pointshop/internal/catalog"
	"github.com/mmeshcher/pointshop/internal/identity"
	"github.com/mmeshcher/pointshop/internal/model"
	"github.com/mmeshcher/pointshop/internal/repository"
	"github.com/mmeshcher/pointshop/internal/session"
)

type stubDispatcher struct {
	mu       sync.Mutex
	requests []approval.Request
	onCall   func(req approval.Request)
}

func (d *stubDispatcher) Dispatch(req approval.Request) <-chan error {
	if d.onCall != nil {
		d.onCall(req)
	}
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()

	ch := make(chan error, 1)
	ch <- nil
	return ch
}

func (d *stubDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

type stubIdentity struct {
	identity *model.Identity
	err      error
}

func (s *stubIdentity) ExchangeCode(ctx context.Context, code, redirectURI string) (*model.Identity, error) {
	return s.identity, s.err
}

// emptyIDRepo имитирует хранилище, вернувшее транзакцию без идентификатора.
type emptyIDRepo struct {
	*repository.MemoryRepository
}

func (r emptyIDRepo) RecordRedemption(ctx context.Context, rt model.RedemptionTransaction) (*model.RedemptionTransaction, error) {
	return &model.RedemptionTransaction{}, nil
}

type failingRepo struct {
	*repository.MemoryRepository
	err error
}

func (r failingRepo) GetBalance(ctx context.Context, userID string) (int64, error) {
	return 0, r.err
}

// lateCommitRepo записывает транзакцию, но сообщает об истёкшем таймауте,
// как при отмене контекста во время COMMIT.
type lateCommitRepo struct {
	*repository.MemoryRepository
	commit bool
}

func (r lateCommitRepo) RecordRedemption(ctx context.Context, rt model.RedemptionTransaction) (*model.RedemptionTransaction, error) {
	if r.commit {
		if _, err := r.MemoryRepository.RecordRedemption(context.Background(), rt); err != nil {
			return nil, err
		}
	}
	return nil, context.DeadlineExceeded
}

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.New([]model.Product{
		{ID: "mug", Name: "Mug", PointsPrice: 60, MonetaryPrice: decimal.NewFromFloat(7.5)},
		{ID: "cap", Name: "Cap", PointsPrice: 20, MonetaryPrice: decimal.NewFromInt(3)},
	})
	require.NoError(t, err)
	return cat
}

func newTestService(t *testing.T, points int64) (*Service, *repository.MemoryRepository, *stubDispatcher) {
	t.Helper()

	repo := repository.NewMemoryRepository()
	require.NoError(t, repo.UpsertUser(context.Background(), model.Identity{ID: "u1", DisplayName: "User"}))
	if points > 0 {
		require.NoError(t, repo.CreditPoints(context.Background(), "u1", points, "seed"))
	}

	dispatcher := &stubDispatcher{}
	svc := NewService(repo, testCatalog(t), Dependencies{Approvals: dispatcher})
	return svc, repo, dispatcher
}

func TestRedeem_SuccessThenIneligible(t *testing.T) {
	svc, repo, dispatcher := newTestService(t, 100)
	ctx := context.Background()

	res, err := svc.Redeem(ctx, "u1", "mug", "user@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Transaction.ID)
	assert.Equal(t, model.TransactionStatusPending, res.Transaction.Status)
	assert.Equal(t, int64(60), res.Transaction.PointsSpent)
	assert.Equal(t, int64(40), res.Balance.Points)
	require.Len(t, res.History, 1)
	assert.Equal(t, res.Transaction.ID, res.History[0].ID)

	require.Equal(t, 1, dispatcher.count())
	req := dispatcher.requests[0]
	assert.Equal(t, res.Transaction.ID, req.Transaction.ID)
	assert.Equal(t, int64(100), req.BalanceBefore)
	assert.Equal(t, "User", req.Identity.DisplayName)
	assert.Equal(t, "Mug", req.Product.Name)

	_, err = svc.Redeem(ctx, "u1", "mug", "user@example.com")
	assert.ErrorIs(t, err, ErrInsufficientPoints)

	balance, err := repo.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), balance)

	history, err := repo.GetHistory(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, history, 1)
	assert.Equal(t, 1, dispatcher.count())
}

func TestRedeem_RejectedInputsLeaveNoTrace(t *testing.T) {
	tests := []struct {
		name      string
		productID string
		email     string
		wantErr   error
		wantMsg   string
	}{
		{name: "invalid email", productID: "mug", email: "not-an-email", wantErr: ErrValidation, wantMsg: "Invalid email address"},
		{name: "missing email", productID: "mug", email: "", wantErr: ErrValidation, wantMsg: "productID and contactEmail are required"},
		{name: "missing product", productID: "", email: "user@example.com", wantErr: ErrValidation},
		{name: "unknown product", productID: "yacht", email: "user@example.com", wantErr: ErrProductNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo, dispatcher := newTestService(t, 100)
			ctx := context.Background()

			_, err := svc.Redeem(ctx, "u1", tt.productID, tt.email)
			require.ErrorIs(t, err, tt.wantErr)
			if tt.wantMsg != "" {
				var ve *ValidationError
				require.True(t, errors.As(err, &ve))
				assert.Equal(t, tt.wantMsg, ve.Message)
			}

			balance, err := repo.GetBalance(ctx, "u1")
			require.NoError(t, err)
			assert.Equal(t, int64(100), balance)

			history, err := repo.GetHistory(ctx, "u1")
			require.NoError(t, err)
			assert.Empty(t, history)
			assert.Equal(t, 0, dispatcher.count())
		})
	}
}

func TestRedeem_DispatchAfterRecord(t *testing.T) {
	svc, repo, dispatcher := newTestService(t, 100)

	var recorded bool
	dispatcher.onCall = func(req approval.Request) {
		history, err := repo.GetHistory(context.Background(), "u1")
		if err == nil && len(history) == 1 && history[0].ID == req.Transaction.ID {
			recorded = true
		}
	}

	_, err := svc.Redeem(context.Background(), "u1", "cap", "user@example.com")
	require.NoError(t, err)
	assert.True(t, recorded, "transaction must be durable before dispatch")
}

func TestRedeem_ConcurrentDoubleSpend(t *testing.T) {
	svc, repo, dispatcher := newTestService(t, 100)
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = svc.Redeem(ctx, "u1", "mug", "user@example.com")
		}()
	}
	wg.Wait()

	var successes, ineligible int
	for _, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, ErrInsufficientPoints):
			ineligible++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, ineligible)

	balance, err := repo.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(40), balance)
	assert.Equal(t, 1, dispatcher.count())
}

func TestRedeem_EmptyTransactionIDFails(t *testing.T) {
	mem := repository.NewMemoryRepository()
	require.NoError(t, mem.CreditPoints(context.Background(), "u1", 100, "seed"))
	dispatcher := &stubDispatcher{}
	svc := NewService(emptyIDRepo{mem}, testCatalog(t), Dependencies{Approvals: dispatcher})

	_, err := svc.Redeem(context.Background(), "u1", "mug", "user@example.com")
	assert.ErrorIs(t, err, ErrTransactionFailed)
	assert.Equal(t, 0, dispatcher.count())
}

func TestRedeem_StoreFailure(t *testing.T) {
	mem := repository.NewMemoryRepository()
	dispatcher := &stubDispatcher{}
	svc := NewService(failingRepo{mem, errors.New("connection refused")}, testCatalog(t), Dependencies{Approvals: dispatcher})

	_, err := svc.Redeem(context.Background(), "u1", "mug", "user@example.com")
	assert.ErrorIs(t, err, ErrTransactionFailed)
	assert.Equal(t, 0, dispatcher.count())
}

func TestRedeem_TimeoutDuringCommit(t *testing.T) {
	tests := []struct {
		name      string
		commit    bool
		wantErr   error
		wantCalls int
	}{
		{name: "commit landed", commit: true, wantCalls: 1},
		{name: "nothing written", commit: false, wantErr: ErrTransactionFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := repository.NewMemoryRepository()
			require.NoError(t, mem.UpsertUser(context.Background(), model.Identity{ID: "u1", DisplayName: "User"}))
			require.NoError(t, mem.CreditPoints(context.Background(), "u1", 100, "seed"))

			dispatcher := &stubDispatcher{}
			svc := NewService(lateCommitRepo{mem, tt.commit}, testCatalog(t), Dependencies{Approvals: dispatcher})

			res, err := svc.Redeem(context.Background(), "u1", "mug", "user@example.com")
			assert.Equal(t, tt.wantCalls, dispatcher.count())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				balance, err := mem.GetBalance(context.Background(), "u1")
				require.NoError(t, err)
				assert.Equal(t, int64(100), balance)
				return
			}

			require.NoError(t, err)
			history, err := mem.GetHistory(context.Background(), "u1")
			require.NoError(t, err)
			require.Len(t, history, 1)
			assert.Equal(t, history[0].ID, res.Transaction.ID)
			assert.Equal(t, int64(40), res.Balance.Points)
		})
	}
}

func TestRedeem_WithoutDispatcher(t *testing.T) {
	repo := repository.NewMemoryRepository()
	require.NoError(t, repo.CreditPoints(context.Background(), "u1", 100, "seed"))
	svc := NewService(repo, testCatalog(t), Dependencies{})

	res, err := svc.Redeem(context.Background(), "u1", "mug", "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(40), res.Balance.Points)
}

func TestLogin(t *testing.T) {
	sessions, err := session.NewManager("secret", time.Hour)
	require.NoError(t, err)

	t.Run("valid code", func(t *testing.T) {
		repo := repository.NewMemoryRepository()
		provider := &stubIdentity{identity: &model.Identity{ID: "u1", DisplayName: "Nelly"}}
		svc := NewService(repo, testCatalog(t), Dependencies{Identity: provider, Sessions: sessions})

		res, err := svc.Login(context.Background(), "code")
		require.NoError(t, err)

		userID, err := sessions.Verify(res.Token)
		require.NoError(t, err)
		assert.Equal(t, "u1", userID)
		assert.Equal(t, "Nelly", res.Identity.DisplayName)
		assert.Equal(t, int64(0), res.Balance.Points)
		assert.NotNil(t, res.History)

		stored, err := repo.GetUser(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, "Nelly", stored.DisplayName)
	})

	t.Run("invalid code", func(t *testing.T) {
		repo := repository.NewMemoryRepository()
		provider := &stubIdentity{err: identity.ErrInvalidCode}
		svc := NewService(repo, testCatalog(t), Dependencies{Identity: provider, Sessions: sessions})

		res, err := svc.Login(context.Background(), "bad")
		assert.ErrorIs(t, err, identity.ErrInvalidCode)
		assert.Nil(t, res)
	})

	t.Run("provider failure", func(t *testing.T) {
		repo := repository.NewMemoryRepository()
		provider := &stubIdentity{err: errors.New("dial tcp: timeout")}
		svc := NewService(repo, testCatalog(t), Dependencies{Identity: provider, Sessions: sessions})

		_, err := svc.Login(context.Background(), "code")
		assert.ErrorIs(t, err, identity.ErrProviderUnavailable)
	})

	t.Run("empty code", func(t *testing.T) {
		svc := NewService(repository.NewMemoryRepository(), testCatalog(t), Dependencies{Sessions: sessions})

		_, err := svc.Login(context.Background(), "")
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestReview(t *testing.T) {
	svc, repo, _ := newTestService(t, 100)
	ctx := context.Background()

	res, err := svc.Redeem(ctx, "u1", "mug", "user@example.com")
	require.NoError(t, err)

	_, err = svc.Review(ctx, res.Transaction.ID, model.TransactionStatusPending)
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Review(ctx, res.Transaction.ID, model.TransactionStatus("shipped"))
	assert.ErrorIs(t, err, ErrValidation)

	rt, err := svc.Review(ctx, res.Transaction.ID, model.TransactionStatusRejected)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionStatusRejected, rt.Status)

	balance, err := repo.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	_, err = svc.Review(ctx, res.Transaction.ID, model.TransactionStatusApproved)
	assert.ErrorIs(t, err, repository.ErrStatusTransition)

	_, err = svc.Review(ctx, "missing", model.TransactionStatusApproved)
	assert.ErrorIs(t, err, repository.ErrTransactionNotFound)
}

func TestCredit(t *testing.T) {
	svc, _, _ := newTestService(t, 0)

	balance, err := svc.Credit(context.Background(), "u1", 150, "event")
	require.NoError(t, err)
	assert.Equal(t, int64(150), balance.Points)

	_, err = svc.Credit(context.Background(), "u1", 0, "")
	assert.ErrorIs(t, err, ErrValidation)
}
