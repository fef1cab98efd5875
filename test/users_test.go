//go:build integration_test || all_tests

package test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2beens/usermgmt/internal/apperr"
	"github.com/2beens/usermgmt/internal/users"
)

func (s *IntegrationTestSuite) do(ctx context.Context, method, path, token string, body io.Reader, contentType string) *http.Response {
	t := s.T()
	req, err := http.NewRequestWithContext(ctx, method, serverEndpoint+path, body)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "test-agent")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.httpClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() {
		resp.Body.Close()
	})
	return resp
}

func (s *IntegrationTestSuite) register(ctx context.Context, username, email, password string) *http.Response {
	form := url.Values{}
	form.Set("username", username)
	form.Set("email", email)
	form.Set("password", password)
	return s.do(ctx, http.MethodPost, "/api/register", "", strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
}

func (s *IntegrationTestSuite) login(ctx context.Context, email, password string) users.LoginResponse {
	t := s.T()
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	require.NoError(t, err)

	resp := s.do(ctx, http.MethodPost, "/api/login", "", bytes.NewReader(body), "application/json")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var loginResp users.LoginResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&loginResp))
	require.NotEmpty(t, loginResp.Token)
	return loginResp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (s *IntegrationTestSuite) TestAliceScenario() {
	t := s.T()
	ctx := context.Background()

	resp := s.register(ctx, "alice", "alice@x.com", "pw")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	aliceLogin := s.login(ctx, "alice@x.com", "pw")

	resp = s.do(ctx, http.MethodGet, "/api/profile", aliceLogin.Token, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	profile := decode[users.Projection](t, resp)
	assert.Equal(t, "alice", profile.Username)
	assert.False(t, profile.IsAdmin)

	adminToken := s.login(ctx, users.AdminEmail, testAdminPassword).Token

	resp = s.do(ctx, http.MethodPatch, "/api/users/"+aliceLogin.User.ID, adminToken, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	toggleResp := decode[users.ToggleAdminResponse](t, resp)
	assert.True(t, toggleResp.User.IsAdmin)

	resp = s.do(ctx, http.MethodGet, "/api/profile", aliceLogin.Token, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[users.Projection](t, resp).IsAdmin)

	resp = s.do(ctx, http.MethodGet, "/api/users", adminToken, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]users.Projection](t, resp)
	var aliceFound bool
	for _, u := range list {
		if u.Username == "alice" {
			aliceFound = true
			assert.True(t, u.IsAdmin)
		}
	}
	assert.True(t, aliceFound)

	// the stored row agrees
	var isAdmin bool
	require.NoError(t, s.DB.QueryRow(`SELECT is_admin FROM users WHERE username = $1`, "alice").Scan(&isAdmin))
	assert.True(t, isAdmin)
}

func (s *IntegrationTestSuite) TestRegister_DuplicateAndDelete() {
	t := s.T()
	ctx := context.Background()

	username := fmt.Sprintf("user%d", gofakeit.Number(1000, 999999))
	email := username + "@example.com"

	resp := s.register(ctx, username, email, "pw")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = s.register(ctx, username, "other-"+email, "pw")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Username or email already exists", decode[apperr.ErrorResponse](t, resp).Error)

	var count int
	require.NoError(t, s.DB.QueryRow(`SELECT count(*) FROM users WHERE username = $1`, username).Scan(&count))
	assert.Equal(t, 1, count)

	userLogin := s.login(ctx, email, "pw")
	adminToken := s.login(ctx, users.AdminEmail, testAdminPassword).Token

	// non-admin is always forbidden
	resp = s.do(ctx, http.MethodDelete, "/api/users/"+userLogin.User.ID, userLogin.Token, nil, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = s.do(ctx, http.MethodDelete, "/api/users/"+gofakeit.UUID(), adminToken, nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = s.do(ctx, http.MethodDelete, "/api/users/"+userLogin.User.ID, adminToken, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.DB.QueryRow(`SELECT count(*) FROM users WHERE username = $1`, username).Scan(&count))
	assert.Equal(t, 0, count)

	resp = s.do(ctx, http.MethodGet, "/api/profile", userLogin.Token, nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func (s *IntegrationTestSuite) TestLogin_RateLimited() {
	t := s.T()
	ctx := context.Background()

	body := `{"email":"nobody@x.com","password":"pw"}`
	sendLogin := func() *http.Response {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverEndpoint+"/api/login", strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		// own client ip, so the other tests keep their budget
		req.Header.Set("X-Real-Ip", "203.0.113.7")
		resp, err := s.httpClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() {
			resp.Body.Close()
		})
		return resp
	}

	for i := 0; i < 5; i++ {
		resp := sendLogin()
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, fmt.Sprintf("attempt %d", i+1))
	}

	resp := sendLogin()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func (s *IntegrationTestSuite) TestMetricsAndHealth() {
	t := s.T()
	ctx := context.Background()

	resp := s.do(ctx, http.MethodGet, "/api/health", "", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s:%s/metrics", serverHost, metricsPort), nil)
	require.NoError(t, err)
	metricsResp, err := s.httpClient.Do(req)
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	require.Equal(t, http.StatusOK, metricsResp.StatusCode)

	metricsBody, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(metricsBody), "backend_usermgmt_life_signal")
	assert.Contains(t, string(metricsBody), "pgxpool_")
}
