package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/metacog-lab/backend/internal/middleware"
	"github.com/metacog-lab/backend/internal/models"
	"github.com/stretchr/testify/require"
)

type memRepo struct {
	mu        sync.Mutex
	byID      map[int64]*models.Experimenter
	nextID    int64
	handleHit int
}

func newMemRepo() *memRepo {
	return &memRepo{byID: make(map[int64]*models.Experimenter)}
}

func (m *memRepo) Create(_ context.Context, e *models.Experimenter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handleHit > 0 {
		m.handleHit--
		return ErrHandleTaken
	}
	for _, existing := range m.byID {
		if existing.Email == e.Email {
			return ErrEmailTaken
		}
	}
	m.nextID++
	e.ID = m.nextID
	e.CreatedAt = time.Now()
	e.UpdatedAt = e.CreatedAt
	cp := *e
	m.byID[e.ID] = &cp
	return nil
}

func (m *memRepo) ByEmail(_ context.Context, email string) (*models.Experimenter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.byID {
		if e.Email == email {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRepo) ByID(_ context.Context, id int64) (*models.Experimenter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byID[id]; ok {
		cp := *e
		return &cp, nil
	}
	return nil, ErrNotFound
}

func post(t *testing.T, h http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(buf)))
	return rec
}

func TestTokensRoundTrip(t *testing.T) {
	tokens := NewTokens("test-secret")
	raw, err := tokens.Issue(42)
	require.NoError(t, err)

	id, err := tokens.Verify(raw)
	require.NoError(t, err)
	require.Equal(t, int64(42), id)

	_, err = NewTokens("other-secret").Verify(raw)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = tokens.Verify("not.a.token")
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokensExpire(t *testing.T) {
	tokens := NewTokens("test-secret")
	issued := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tokens.now = func() time.Time { return issued }
	raw, err := tokens.Issue(1)
	require.NoError(t, err)

	tokens.now = func() time.Time { return issued.Add(TokenTTL - time.Minute) }
	_, err = tokens.Verify(raw)
	require.NoError(t, err)

	tokens.now = func() time.Time { return issued.Add(TokenTTL + time.Minute) }
	_, err = tokens.Verify(raw)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRegisterAndLogin(t *testing.T) {
	repo := newMemRepo()
	repo.handleHit = 2
	tokens := NewTokens("test-secret")
	h := NewHandler(repo, tokens, nil)

	rec := post(t, h.Register, models.RegisterRequest{Email: " Ada@Lab.org ", Name: "Ada Lovelace", Password: "engine-notes"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created models.AuthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, "ada@lab.org", created.Experimenter.Email)
	require.Regexp(t, `^adalovelace\d{4}$`, created.Experimenter.Handle)
	id, err := tokens.Verify(created.Token)
	require.NoError(t, err)
	require.Equal(t, created.Experimenter.ID, id)
	require.NotContains(t, rec.Body.String(), "engine-notes")

	rec = post(t, h.Register, models.RegisterRequest{Email: "ada@lab.org", Name: "Ada", Password: "another-pass"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = post(t, h.Login, models.LoginRequest{Email: "ADA@lab.org", Password: "engine-notes"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = post(t, h.Login, models.LoginRequest{Email: "ada@lab.org", Password: "wrong-password"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = post(t, h.Login, models.LoginRequest{Email: "nobody@lab.org", Password: "engine-notes"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterValidation(t *testing.T) {
	h := NewHandler(newMemRepo(), NewTokens("s"), nil)

	tests := []struct {
		name string
		req  models.RegisterRequest
	}{
		{"missing email", models.RegisterRequest{Name: "A", Password: "12345678"}},
		{"missing name", models.RegisterRequest{Email: "a@b.c", Password: "12345678"}},
		{"short password", models.RegisterRequest{Email: "a@b.c", Name: "A", Password: "1234567"}},
	}
	for _, tt := range tests {
		if rec := post(t, h.Register, tt.req); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tt.name, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	h.Register(rec, httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString("{")))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetCurrentExperimenter(t *testing.T) {
	repo := newMemRepo()
	h := NewHandler(repo, NewTokens("s"), nil)
	e := &models.Experimenter{Email: "g@lab.org", Name: "Grace Hopper", Handle: "gracehopper0001"}
	require.NoError(t, repo.Create(context.Background(), e))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	h.GetCurrentExperimenter(rec, req.WithContext(middleware.WithExperimenterID(req.Context(), e.ID)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "gracehopper0001")

	rec = httptest.NewRecorder()
	h.GetCurrentExperimenter(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	h.GetCurrentExperimenter(rec, req.WithContext(middleware.WithExperimenterID(req.Context(), 999)))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
