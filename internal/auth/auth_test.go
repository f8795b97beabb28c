package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndVerify(t *testing.T) {
	a := NewAuthenticator("s3cret")
	id := uuid.New()

	token, err := a.Issue(id, time.Now(), time.Hour)
	require.NoError(t, err)

	got, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestVerifyRejects(t *testing.T) {
	a := NewAuthenticator("s3cret")
	id := uuid.New()

	expired, err := a.Issue(id, time.Now().Add(-2*time.Hour), time.Hour)
	require.NoError(t, err)
	_, err = a.Verify(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	other, err := NewAuthenticator("other").Issue(id, time.Now(), time.Hour)
	require.NoError(t, err)
	_, err = a.Verify(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = a.Verify(noSubject)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyAcceptsSubClaim(t *testing.T) {
	id := uuid.New()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": id.String(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	got, err := NewAuthenticator("s3cret").Verify(token)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestMiddleware(t *testing.T) {
	a := NewAuthenticator("s3cret")
	id := uuid.New()
	token, err := a.Issue(id, time.Now(), time.Hour)
	require.NoError(t, err)

	var seen uuid.UUID
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = MemberIDFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
	}{
		{"no token", func(r *http.Request) {}, http.StatusUnauthorized},
		{"garbage bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, http.StatusNoContent},
		{"cookie", func(r *http.Request) { r.AddCookie(&http.Cookie{Name: CookieName, Value: token}) }, http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = uuid.Nil
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()

			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusNoContent {
				assert.Equal(t, id, seen)
			}
		})
	}
}
