package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService([]Token{
		{Name: "viewer", Token: "read-token", Permissions: []string{PermissionPluginsRead}},
		{Name: "operator", Token: "write-token", Permissions: []string{PermissionPluginsWrite}},
		{Name: "retired", Token: "old-token", Permissions: []string{PermissionPluginsWrite}, Disabled: true},
	})
	require.NoError(t, err)
	return svc
}

func TestNewServiceValidatesTokens(t *testing.T) {
	_, err := NewService([]Token{{Name: "a", Token: " "}})
	assert.Error(t, err)

	_, err = NewService([]Token{{Name: "a", Token: "x"}, {Name: "a", Token: "y"}})
	assert.Error(t, err)

	svc, err := NewService(nil)
	require.NoError(t, err)
	assert.False(t, svc.Enabled())
}

func TestAuthenticateRequest(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	subject, err := svc.AuthenticateRequest(ctx, "Bearer write-token")
	require.NoError(t, err)
	assert.Equal(t, "operator", subject.Name)
	assert.True(t, subject.HasPermission(PermissionPluginsRead), "write implies read")

	_, err = svc.AuthenticateRequest(ctx, "")
	assert.ErrorIs(t, err, ErrMissingToken)
	_, err = svc.AuthenticateRequest(ctx, "Basic write-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = svc.AuthenticateRequest(ctx, "Bearer nope")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = svc.AuthenticateRequest(ctx, "Bearer old-token")
	assert.ErrorIs(t, err, ErrSubjectRevoked)
}

func TestSubjectAuthorize(t *testing.T) {
	viewer := &Subject{Name: "viewer", Permissions: []string{" Plugins:Read "}}
	assert.NoError(t, viewer.Authorize(PermissionPluginsRead))
	assert.ErrorIs(t, viewer.Authorize(PermissionPluginsWrite), ErrPermissionDenied)

	var missing *Subject
	assert.ErrorIs(t, missing.Authorize(), ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	svc := newTestService(t)
	var seen *Subject
	handler := svc.Middleware(DefaultPermissions())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	cases := []struct {
		name   string
		method string
		header string
		status int
	}{
		{"missing token", http.MethodGet, "", http.StatusUnauthorized},
		{"viewer reads", http.MethodGet, "Bearer read-token", http.StatusAccepted},
		{"viewer cannot write", http.MethodPost, "Bearer read-token", http.StatusForbidden},
		{"operator writes", http.MethodPost, "Bearer write-token", http.StatusAccepted},
		{"disabled token", http.MethodGet, "Bearer old-token", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest(tc.method, "/api/v1/plugins", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tc.status, rec.Code)
			if tc.status == http.StatusAccepted {
				require.NotNil(t, seen)
			} else {
				assert.Nil(t, seen)
			}
		})
	}
}

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	svc, err := NewService(nil)
	require.NoError(t, err)
	handler := svc.Middleware(DefaultPermissions())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/plugins/reload", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
