package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/yohan020/my-bucket-editor/internal/domain"
	"github.com/yohan020/my-bucket-editor/internal/infra/persistence/jsonfile"
	"github.com/yohan020/my-bucket-editor/internal/repository/mocks"
	"github.com/yohan020/my-bucket-editor/internal/service"
)

func newGate(t *testing.T) (*service.AccessGate, *jsonfile.CredentialRepository, *service.TokenService) {
	t.Helper()
	store := jsonfile.NewCredentialRepository(t.TempDir(), bcrypt.MinCost)
	tokens, err := service.NewTokenService("gate-secret", 0)
	require.NoError(t, err)
	return service.NewAccessGate(store, tokens, bcrypt.MinCost), store, tokens
}

// --- Login state machine ---

func TestAccessGate_ApprovalScenario(t *testing.T) {
	gate, store, tokens := newGate(t)
	ctx := context.Background()

	_, err := gate.Login(ctx, 4000, "g@x.com", "pw1")
	require.ErrorIs(t, err, service.ErrApprovalRequested)

	_, err = gate.Login(ctx, 4000, "g@x.com", "pw1")
	require.ErrorIs(t, err, service.ErrAwaitingApproval)

	require.NoError(t, gate.Approve(ctx, 4000, "g@x.com"))

	token, err := gate.Login(ctx, 4000, "g@x.com", "pw1")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	id, err := tokens.VerifyForPort(token, 4000)
	require.NoError(t, err)
	assert.Equal(t, "g@x.com", id.Email)

	ok, err := store.Exists(ctx, 4000, "g@x.com", "pw1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAccessGate_FirstLoginIsAlwaysPending(t *testing.T) {
	gate, _, _ := newGate(t)
	ctx := context.Background()

	for _, email := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		token, err := gate.Login(ctx, 4000, email, "pw")
		assert.ErrorIs(t, err, service.ErrApprovalRequested, email)
		assert.Empty(t, token)
	}
}

func TestAccessGate_WrongPasswordWhilePending(t *testing.T) {
	gate, _, _ := newGate(t)
	ctx := context.Background()

	_, err := gate.Login(ctx, 4000, "g@x.com", "pw1")
	require.ErrorIs(t, err, service.ErrApprovalRequested)

	_, err = gate.Login(ctx, 4000, "g@x.com", "other")
	assert.ErrorIs(t, err, service.ErrBadCredentials)

	require.NoError(t, gate.Approve(ctx, 4000, "g@x.com"))
	_, err = gate.Login(ctx, 4000, "g@x.com", "other")
	assert.ErrorIs(t, err, service.ErrBadCredentials, "approval does not change the pending password")
}

func TestAccessGate_Rejected(t *testing.T) {
	gate, store, _ := newGate(t)
	ctx := context.Background()

	_, _ = gate.Login(ctx, 4000, "g@x.com", "pw1")
	require.NoError(t, gate.Reject(ctx, 4000, "g@x.com"))

	_, err := gate.Login(ctx, 4000, "g@x.com", "pw1")
	assert.ErrorIs(t, err, service.ErrRejected)

	ok, err := store.Exists(ctx, 4000, "g@x.com", "pw1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAccessGate_IdempotentApproval(t *testing.T) {
	gate, store, _ := newGate(t)
	ctx := context.Background()

	_, _ = gate.Login(ctx, 4000, "g@x.com", "pw1")
	require.NoError(t, gate.Approve(ctx, 4000, "g@x.com"))
	users, err := store.Load(ctx, 4000)
	require.NoError(t, err)
	require.Len(t, users, 1)

	require.NoError(t, gate.Approve(ctx, 4000, "g@x.com"))
	users, err = store.Load(ctx, 4000)
	require.NoError(t, err)
	assert.Len(t, users, 1)
}

func TestAccessGate_StoredEmailWithOtherPassword(t *testing.T) {
	gate, store, _ := newGate(t)
	ctx := context.Background()
	require.NoError(t, store.Add(ctx, 4000, "g@x.com", "pw1"))

	for i := 0; i < 2; i++ {
		_, err := gate.Login(ctx, 4000, "g@x.com", "other")
		assert.ErrorIs(t, err, service.ErrBadCredentials)
	}
	users, err := gate.ListUsers(ctx, 4000)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, domain.StatusApproved, users[0].Status)
	assert.ErrorIs(t, gate.Approve(ctx, 4000, "g@x.com"), service.ErrUserNotFound)

	token, err := gate.Login(ctx, 4000, "g@x.com", "pw1")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestAccessGate_ApproveConflictsWithStoredPassword(t *testing.T) {
	gate, store, _ := newGate(t)
	ctx := context.Background()

	_, err := gate.Login(ctx, 4000, "g@x.com", "pw1")
	require.ErrorIs(t, err, service.ErrApprovalRequested)
	// Another path stores the email before the host decides.
	require.NoError(t, store.Add(ctx, 4000, "g@x.com", "pw2"))

	assert.ErrorIs(t, gate.Approve(ctx, 4000, "g@x.com"), service.ErrUserExists)
	_, err = gate.Login(ctx, 4000, "g@x.com", "pw1")
	assert.ErrorIs(t, err, service.ErrBadCredentials)

	ok, err := store.Exists(ctx, 4000, "g@x.com", "pw1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAccessGate_ApproveUnknownUser(t *testing.T) {
	gate, _, _ := newGate(t)
	assert.ErrorIs(t, gate.Approve(context.Background(), 4000, "nobody@x.com"), service.ErrUserNotFound)
	assert.ErrorIs(t, gate.Reject(context.Background(), 4000, "nobody@x.com"), service.ErrUserNotFound)
}

func TestAccessGate_PortsAreIndependent(t *testing.T) {
	gate, _, _ := newGate(t)
	ctx := context.Background()

	_, _ = gate.Login(ctx, 4000, "g@x.com", "pw1")
	require.NoError(t, gate.Approve(ctx, 4000, "g@x.com"))

	_, err := gate.Login(ctx, 4001, "g@x.com", "pw1")
	assert.ErrorIs(t, err, service.ErrApprovalRequested)
}

func TestAccessGate_InvalidInput(t *testing.T) {
	gate, _, _ := newGate(t)
	_, err := gate.Login(context.Background(), 4000, "  ", "pw")
	assert.ErrorIs(t, err, service.ErrInvalidInput)
	_, err = gate.Login(context.Background(), 4000, "g@x.com", "")
	assert.ErrorIs(t, err, service.ErrInvalidInput)
}

func TestAccessGate_ConcurrentFirstLoginsCreateOneRequest(t *testing.T) {
	gate, _, _ := newGate(t)
	ctx := context.Background()
	requests, unsubscribe := gate.Subscribe(64)
	defer unsubscribe()

	var wg sync.WaitGroup
	var mu sync.Mutex
	outcomes := map[error]int{}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := gate.Login(ctx, 4000, "g@x.com", "pw1")
			mu.Lock()
			outcomes[err]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[service.ErrApprovalRequested])
	assert.Equal(t, 7, outcomes[service.ErrAwaitingApproval])
	require.Len(t, requests, 1)
	req := <-requests
	assert.Equal(t, domain.GuestRequest{Port: 4000, Email: "g@x.com", At: req.At}, req)
}

func TestAccessGate_RemoveSendsUserBackToPending(t *testing.T) {
	gate, store, _ := newGate(t)
	ctx := context.Background()

	_, _ = gate.Login(ctx, 4000, "g@x.com", "pw1")
	require.NoError(t, gate.Approve(ctx, 4000, "g@x.com"))
	require.NoError(t, gate.Remove(ctx, 4000, "g@x.com"))

	ok, err := store.Exists(ctx, 4000, "g@x.com", "pw1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = gate.Login(ctx, 4000, "g@x.com", "pw1")
	assert.ErrorIs(t, err, service.ErrApprovalRequested)
}

func TestAccessGate_ListUsers(t *testing.T) {
	gate, store, _ := newGate(t)
	ctx := context.Background()
	require.NoError(t, store.Add(ctx, 4000, "old@x.com", "pw"))

	_, _ = gate.Login(ctx, 4000, "a@x.com", "pw")
	_, _ = gate.Login(ctx, 4000, "b@x.com", "pw")
	require.NoError(t, gate.Reject(ctx, 4000, "b@x.com"))

	users, err := gate.ListUsers(ctx, 4000)
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Equal(t, domain.UserView{Email: "a@x.com", Status: domain.StatusPending}, users[0])
	assert.Equal(t, domain.UserView{Email: "b@x.com", Status: domain.StatusRejected}, users[1])
	assert.Equal(t, "old@x.com", users[2].Email)
	assert.Equal(t, domain.StatusApproved, users[2].Status)
	assert.NotEmpty(t, users[2].ApprovedAt)
}

// --- Mocked repository paths ---

func TestAccessGate_FastPathSkipsPendingTable(t *testing.T) {
	mockCreds := new(mocks.CredentialRepository)
	tokens, _ := service.NewTokenService("secret", 0)
	gate := service.NewAccessGate(mockCreds, tokens, bcrypt.MinCost)
	ctx := context.Background()

	mockCreds.On("Exists", ctx, 4000, "g@x.com", "pw1").Return(true, nil).Once()

	token, err := gate.Login(ctx, 4000, "g@x.com", "pw1")

	require.NoError(t, err)
	assert.NotEmpty(t, token)
	mockCreds.AssertExpectations(t)
	mockCreds.AssertNotCalled(t, "Add", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAccessGate_StoreFailureIsInternal(t *testing.T) {
	mockCreds := new(mocks.CredentialRepository)
	tokens, _ := service.NewTokenService("secret", 0)
	gate := service.NewAccessGate(mockCreds, tokens, bcrypt.MinCost)
	ctx := context.Background()

	mockCreds.On("Exists", ctx, 4000, "g@x.com", "pw1").Return(false, errors.New("disk on fire")).Once()

	_, err := gate.Login(ctx, 4000, "g@x.com", "pw1")

	assert.ErrorIs(t, err, service.ErrInternalServer)
	mockCreds.AssertExpectations(t)
}

func TestAccessGate_ApprovedButNotPromotedIsPromotedOnLogin(t *testing.T) {
	mockCreds := new(mocks.CredentialRepository)
	tokens, _ := service.NewTokenService("secret", 0)
	gate := service.NewAccessGate(mockCreds, tokens, bcrypt.MinCost)
	ctx := context.Background()

	mockCreds.On("Exists", ctx, 4000, "g@x.com", "pw1").Return(false, nil)
	mockCreds.On("Load", ctx, 4000).Return([]domain.ApprovedUser{}, nil)
	// The approval write fails, leaving the user approved only in memory.
	mockCreds.On("Add", ctx, 4000, "g@x.com", mock.AnythingOfType("string")).Return(errors.New("read-only fs")).Once()
	mockCreds.On("Add", ctx, 4000, "g@x.com", mock.MatchedBy(func(hash string) bool {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte("pw1")) == nil
	})).Return(nil).Once()

	_, err := gate.Login(ctx, 4000, "g@x.com", "pw1")
	require.ErrorIs(t, err, service.ErrApprovalRequested)
	require.ErrorIs(t, gate.Approve(ctx, 4000, "g@x.com"), service.ErrInternalServer)

	token, err := gate.Login(ctx, 4000, "g@x.com", "pw1")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	mockCreds.AssertExpectations(t)
}

// --- Channel admission ---

func TestAccessGate_AdmitConnection(t *testing.T) {
	gate, _, tokens := newGate(t)
	good, err := tokens.Issue("g@x.com", 4000)
	require.NoError(t, err)
	otherPort, err := tokens.Issue("g@x.com", 4001)
	require.NoError(t, err)

	cases := []struct {
		name      string
		req       service.ConnectionRequest
		wantLocal bool
		wantErr   bool
	}{
		{"host without origin", service.ConnectionRequest{Port: 4000, RemoteAddr: "127.0.0.1:5555"}, true, false},
		{"host loopback origin", service.ConnectionRequest{Port: 4000, Origin: "http://localhost:5173", RemoteAddr: "[::1]:5555"}, true, false},
		{"lan guest with token", service.ConnectionRequest{Port: 4000, Origin: "http://192.168.0.7:4000", RemoteAddr: "192.168.0.7:5555", Token: good}, false, false},
		{"lan guest without token", service.ConnectionRequest{Port: 4000, Origin: "http://192.168.0.7:4000", RemoteAddr: "192.168.0.7:5555"}, false, true},
		{"no origin from lan", service.ConnectionRequest{Port: 4000, RemoteAddr: "192.168.0.7:5555"}, false, true},
		{"tunnelled without origin", service.ConnectionRequest{Port: 4000, RemoteAddr: "127.0.0.1:5555", Forwarded: true}, false, true},
		{"token for other port", service.ConnectionRequest{Port: 4000, Origin: "https://abc.loca.lt", RemoteAddr: "127.0.0.1:1", Token: otherPort}, false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			adm, err := gate.AdmitConnection(tc.req)
			if tc.wantErr {
				assert.ErrorIs(t, err, service.ErrInvalidToken)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantLocal, adm.Local)
			if !tc.wantLocal {
				assert.Equal(t, "g@x.com", adm.Identity.Email)
			}
		})
	}
}
