package tokens

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BearBump/CustomsBox/internal/cache/rediscache"
	"github.com/BearBump/CustomsBox/internal/certs"
	"github.com/BearBump/CustomsBox/internal/certs/certstest"
	"github.com/BearBump/CustomsBox/internal/customserr"
	"github.com/BearBump/CustomsBox/internal/integrations/wsaa"
	"github.com/BearBump/CustomsBox/internal/models"
	"github.com/BearBump/CustomsBox/internal/wsaa/ticket"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var company = models.CompanyContext{
	CompanyID:      7,
	Cuit:           "20123456789",
	Environment:    models.EnvironmentTesting,
	CertificateRef: "7",
}

type memRepo struct {
	mu     sync.Mutex
	nextID uint64
	rows   []*models.AuthToken
	errs   int
}

func (r *memRepo) GetActiveToken(_ context.Context, key models.TokenKey) (*models.AuthToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.rows {
		if t.Key() == key && t.Status == models.TokenStatusActive {
			cp := *t
			return &cp, nil
		}
	}
	return nil, models.ErrNotFound
}

func (r *memRepo) ReplaceActiveToken(_ context.Context, t *models.AuthToken) (*models.AuthToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, old := range r.rows {
		if old.Key() == t.Key() && old.Status == models.TokenStatusActive {
			old.Status = models.TokenStatusExpired
		}
	}
	r.nextID++
	cp := *t
	cp.ID = r.nextID
	cp.Status = models.TokenStatusActive
	cp.UpdatedAt = time.Now()
	r.rows = append(r.rows, &cp)
	out := cp
	return &out, nil
}

func (r *memRepo) RecordTokenError(_ context.Context, key models.TokenKey, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs++
	r.nextID++
	r.rows = append(r.rows, &models.AuthToken{
		ID: r.nextID, CompanyID: key.CompanyID, Service: key.Service, Environment: key.Environment,
		Status: models.TokenStatusError, LastError: &msg, UpdatedAt: time.Now(),
	})
	return nil
}

func (r *memRepo) RevokeActiveToken(_ context.Context, key models.TokenKey) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.rows {
		if t.Key() == key && t.Status == models.TokenStatusActive {
			t.Status = models.TokenStatusRevoked
			t.UpdatedAt = time.Now()
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) stale(t *models.AuthToken, rt models.TokenRetention) (models.TokenStatus, bool) {
	if rt.CompanyID != 0 && t.CompanyID != rt.CompanyID {
		return "", false
	}
	switch t.Status {
	case models.TokenStatusExpired, models.TokenStatusActive:
		return models.TokenStatusExpired, t.ExpiresAt.Before(rt.ExpiredBefore)
	default:
		return t.Status, t.UpdatedAt.Before(rt.FailedBefore)
	}
}

func (r *memRepo) CountStaleTokens(_ context.Context, rt models.TokenRetention) (map[models.TokenStatus]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[models.TokenStatus]int64{}
	for _, t := range r.rows {
		if st, ok := r.stale(t, rt); ok {
			out[st]++
		}
	}
	return out, nil
}

func (r *memRepo) DeleteStaleTokens(_ context.Context, rt models.TokenRetention) (map[models.TokenStatus]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[models.TokenStatus]int64{}
	kept := r.rows[:0]
	for _, t := range r.rows {
		if st, ok := r.stale(t, rt); ok {
			out[st]++
			continue
		}
		kept = append(kept, t)
	}
	r.rows = kept
	return out, nil
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

type bundleLoader struct{ b *certs.Bundle }

func (l bundleLoader) Load(context.Context, models.CompanyContext) (*certs.Bundle, error) { return l.b, nil }

// wsaaStub answers loginCms with token ABC / sign XYZ valid for two hours and counts calls.
func wsaaStub(t *testing.T, calls *atomic.Int64) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		now := time.Now()
		inner := fmt.Sprintf(`<loginTicketResponse version="1.0"><header><generationTime>%s</generationTime><expirationTime>%s</expirationTime></header><credentials><token>ABC</token><sign>XYZ</sign></credentials></loginTicketResponse>`,
			now.Format(time.RFC3339), now.Add(2*time.Hour).Format(time.RFC3339))
		_, _ = fmt.Fprintf(w, `<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/"><soapenv:Body><loginCmsResponse><loginCmsReturn>%s</loginCmsReturn></loginCmsResponse></soapenv:Body></soapenv:Envelope>`,
			html.EscapeString(inner))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func realAuthenticator(t *testing.T, srv *httptest.Server) *WsaaAuthenticator {
	fx := certstest.New(t, certstest.Options{})
	b, err := certs.ReadCertificate(fx.Container, fx.Password)
	require.NoError(t, err)
	return NewWsaaAuthenticator(
		bundleLoader{b: b},
		ticket.NewBuilder(nil),
		ticket.NewSigner(ticket.LibraryStrategy()),
		wsaa.NewWithHTTPClient(srv.Client()),
		nil,
	).WithEndpoint(models.EnvironmentTesting, srv.URL)
}

func TestGetValid_SecondCallMakesNoNetworkCall(t *testing.T) {
	for _, withCache := range []bool{true, false} {
		t.Run(fmt.Sprintf("cache=%v", withCache), func(t *testing.T) {
			var calls atomic.Int64
			srv := wsaaStub(t, &calls)

			var st *Store
			if withCache {
				rc := rediscache.New(miniredis.RunT(t).Addr())
				st = New(&memRepo{}, realAuthenticator(t, srv), rc, rc, nil)
			} else {
				st = New(&memRepo{}, realAuthenticator(t, srv), nil, nil, nil)
			}

			ctx := context.Background()
			first, err := st.GetValid(ctx, company, "wsmicdta")
			require.NoError(t, err)
			require.Equal(t, "ABC", first.Token)
			require.Equal(t, "XYZ", first.Sign)
			require.Equal(t, int64(1), calls.Load())

			second, err := st.GetValid(ctx, company, "wsmicdta")
			require.NoError(t, err)
			require.Equal(t, int64(1), calls.Load())
			require.Equal(t, first.Token, second.Token)
			require.Equal(t, first.ID, second.ID)
		})
	}
}

type mockAuthenticator struct{ mock.Mock }

func (m *mockAuthenticator) Authenticate(ctx context.Context, c models.CompanyContext, service string) (*models.AuthToken, error) {
	args := m.Called(ctx, c, service)
	t, _ := args.Get(0).(*models.AuthToken)
	return t, args.Error(1)
}

func freshToken(exp time.Duration) *models.AuthToken {
	now := time.Now().UTC()
	return &models.AuthToken{
		CompanyID: company.CompanyID, Service: "wsmicdta", Environment: company.Environment,
		Token: "T", Sign: "S", IssuedAt: now, ExpiresAt: now.Add(exp), Status: models.TokenStatusActive,
	}
}

func TestGetValid_ConcurrentCallersShareOneRefresh(t *testing.T) {
	auth := &mockAuthenticator{}
	auth.On("Authenticate", mock.Anything, company, "wsmicdta").
		After(100*time.Millisecond).
		Return(freshToken(12*time.Hour), nil).
		Once()

	rc := rediscache.New(miniredis.RunT(t).Addr())
	st := New(&memRepo{}, auth, rc, rc, nil)

	const n = 20
	var wg sync.WaitGroup
	ids := make([]uint64, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tk, err := st.GetValid(context.Background(), company, "wsmicdta")
			errs[i] = err
			if tk != nil {
				ids[i] = tk.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, ids[0], ids[i])
	}
	auth.AssertNumberOfCalls(t, "Authenticate", 1)
}

func TestGetValid_ConcurrentCallersShareOneError(t *testing.T) {
	auth := &mockAuthenticator{}
	auth.On("Authenticate", mock.Anything, company, "wsmicdta").
		After(50*time.Millisecond).
		Return(nil, customserr.NewRemoteFault("ns1:cms.cert.expired", "Certificado expirado")).
		Once()

	repo := &memRepo{}
	st := New(repo, auth, nil, nil, nil)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = st.GetValid(context.Background(), company, "wsmicdta")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		code, _, ok := customserr.Fault(err)
		require.True(t, ok)
		require.Equal(t, "ns1:cms.cert.expired", code)
	}
	auth.AssertNumberOfCalls(t, "Authenticate", 1)

	_, err := repo.GetActiveToken(context.Background(), models.TokenKey{CompanyID: 7, Service: "wsmicdta", Environment: models.EnvironmentTesting})
	require.ErrorIs(t, err, models.ErrNotFound, "a failed refresh never leaves an active token")
	require.Equal(t, 1, repo.errs)
}

func TestGetValid_RefreshesInsideThreshold(t *testing.T) {
	repo := &memRepo{}
	_, err := repo.ReplaceActiveToken(context.Background(), freshToken(3*time.Minute))
	require.NoError(t, err)

	renewed := freshToken(12 * time.Hour)
	renewed.Token = "T2"
	auth := &mockAuthenticator{}
	auth.On("Authenticate", mock.Anything, company, "wsmicdta").Return(renewed, nil).Once()

	st := New(repo, auth, nil, nil, nil)
	tk, err := st.GetValid(context.Background(), company, "wsmicdta")
	require.NoError(t, err)
	require.Equal(t, "T2", tk.Token)
	auth.AssertExpectations(t)
}

func TestGetValid_WaitsForPeerHoldingLock(t *testing.T) {
	mr := miniredis.RunT(t)
	rc := rediscache.New(mr.Addr())
	key := models.TokenKey{CompanyID: 7, Service: "wsmicdta", Environment: models.EnvironmentTesting}
	require.NoError(t, mr.Set(lockKey(key), "other-process"))

	repo := &memRepo{}
	auth := &mockAuthenticator{}
	st := New(repo, auth, rc, rc, nil).WithSettings(0, 0, 0, 5*time.Second)
	st.pollInterval = 20 * time.Millisecond

	go func() {
		time.Sleep(100 * time.Millisecond)
		_, _ = repo.ReplaceActiveToken(context.Background(), freshToken(12*time.Hour))
	}()

	tk, err := st.GetValid(context.Background(), company, "wsmicdta")
	require.NoError(t, err)
	require.Equal(t, "T", tk.Token)
	auth.AssertNotCalled(t, "Authenticate", mock.Anything, mock.Anything, mock.Anything)
}

func TestInvalidate(t *testing.T) {
	rc := rediscache.New(miniredis.RunT(t).Addr())
	repo := &memRepo{}
	auth := &mockAuthenticator{}
	auth.On("Authenticate", mock.Anything, company, "wsmicdta").Return(freshToken(12*time.Hour), nil).Twice()
	st := New(repo, auth, rc, rc, nil)

	ctx := context.Background()
	_, err := st.GetValid(ctx, company, "wsmicdta")
	require.NoError(t, err)

	key := models.TokenKey{CompanyID: 7, Service: "wsmicdta", Environment: models.EnvironmentTesting}
	require.NoError(t, st.Invalidate(ctx, key))
	require.ErrorIs(t, st.Invalidate(ctx, key), models.ErrNotFound)

	// the cached copy is gone too, so the next lookup authenticates again
	_, err = st.GetValid(ctx, company, "wsmicdta")
	require.NoError(t, err)
	auth.AssertNumberOfCalls(t, "Authenticate", 2)
}

func TestPurgeStale_DryRunThenDelete(t *testing.T) {
	repo := &memRepo{}
	old := time.Now().Add(-10 * 24 * time.Hour)
	for i := 0; i < 3; i++ {
		repo.rows = append(repo.rows, &models.AuthToken{
			ID: uint64(100 + i), CompanyID: 7, Service: "wsmicdta", Status: models.TokenStatusExpired,
			ExpiresAt: old, UpdatedAt: old,
		})
	}
	repo.rows = append(repo.rows,
		&models.AuthToken{ID: 200, CompanyID: 7, Status: models.TokenStatusError, UpdatedAt: time.Now().Add(-25 * time.Hour)},
		&models.AuthToken{ID: 201, CompanyID: 7, Status: models.TokenStatusRevoked, UpdatedAt: time.Now().Add(-time.Hour)},
		&models.AuthToken{ID: 202, CompanyID: 8, Status: models.TokenStatusExpired, ExpiresAt: old},
		&models.AuthToken{ID: 203, CompanyID: 7, Status: models.TokenStatusActive, ExpiresAt: time.Now().Add(time.Hour)},
	)

	st := New(repo, &mockAuthenticator{}, nil, nil, nil)
	ctx := context.Background()

	dry, err := st.PurgeStale(ctx, PurgePolicy{DryRun: true, CompanyID: 7})
	require.NoError(t, err)
	require.Equal(t, int64(4), dry.Eligible)
	require.Zero(t, dry.Deleted)
	require.Equal(t, int64(3), dry.ByStatus[models.TokenStatusExpired])
	require.Equal(t, 7, repo.count(), "dry run writes nothing")

	rep, err := st.PurgeStale(ctx, PurgePolicy{CompanyID: 7})
	require.NoError(t, err)
	require.Equal(t, int64(4), rep.Eligible)
	require.Equal(t, int64(4), rep.Deleted)
	require.Equal(t, 3, repo.count())
}

type loginMock struct{ mock.Mock }

func (m *loginMock) Login(ctx context.Context, sig, endpoint string) (wsaa.Credentials, error) {
	args := m.Called(ctx, sig, endpoint)
	return args.Get(0).(wsaa.Credentials), args.Error(1)
}

func TestAuthenticate_RoutesLoginByEnvironment(t *testing.T) {
	fx := certstest.New(t, certstest.Options{})
	b, err := certs.ReadCertificate(fx.Container, fx.Password)
	require.NoError(t, err)

	exp := time.Now().Add(time.Hour)
	def, homo := &loginMock{}, &loginMock{}
	homo.On("Login", mock.Anything, mock.Anything, wsaa.HomologationEndpoint).
		Return(wsaa.Credentials{Token: "T", Sign: "S", ExpiresAt: exp}, nil).Once()

	a := NewWsaaAuthenticator(bundleLoader{b: b}, ticket.NewBuilder(nil), ticket.NewSigner(ticket.LibraryStrategy()), def, nil).
		WithLoginClient(models.EnvironmentTesting, homo)

	tok, err := a.Authenticate(context.Background(), models.CompanyContext{CompanyID: 1, Environment: models.EnvironmentTesting}, "wsmicdta")
	require.NoError(t, err)
	require.Equal(t, "T", tok.Token)
	homo.AssertExpectations(t)
	def.AssertNotCalled(t, "Login", mock.Anything, mock.Anything, mock.Anything)
}
