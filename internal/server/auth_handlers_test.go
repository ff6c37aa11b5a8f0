package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthApp(s *Server) *fiber.App {
	app := fiber.New()
	app.Post("/api/auth/signup", s.Signup)
	app.Post("/api/auth/login", s.Login)
	return app
}

func postJSON(t *testing.T, app *fiber.App, path string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func TestSignup(t *testing.T) {
	s := newTestServer(t)
	app := newAuthApp(s)

	t.Run("Success", func(t *testing.T) {
		resp := postJSON(t, app, "/api/auth/signup", map[string]string{
			"fullName": "Alice Johnson",
			"email":     "alice@example.com",
			"password":  "SecurePass12!@",
		})
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusCreated, resp.StatusCode)

		var body map[string]interface{}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		assert.NotEmpty(t, body["token"])

		user := body["user"].(map[string]interface{})
		assert.Equal(t, "Alice Johnson", user["fullName"])
		// Password hash must never appear in responses
		_, hasPassword := user["password"]
		assert.False(t, hasPassword)
	})

	t.Run("Duplicate Email", func(t *testing.T) {
		resp := postJSON(t, app, "/api/auth/signup", map[string]string{
			"fullName": "Alice Clone",
			"email":     "alice@example.com",
			"password":  "SecurePass12!@",
		})
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("Weak Password", func(t *testing.T) {
		resp := postJSON(t, app, "/api/auth/signup", map[string]string{
			"fullName": "Bob Smith",
			"email":     "bob@example.com",
			"password":  "short",
		})
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("Invalid Email", func(t *testing.T) {
		resp := postJSON(t, app, "/api/auth/signup", map[string]string{
			"fullName": "Bob Smith",
			"email":     "not-an-email",
			"password":  "SecurePass12!@",
		})
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestLogin(t *testing.T) {
	s := newTestServer(t)
	app := newAuthApp(s)

	signupResp := postJSON(t, app, "/api/auth/signup", map[string]string{
		"fullName": "Carol Danvers",
		"email":     "carol@example.com",
		"password":  "SecurePass12!@",
	})
	require.Equal(t, http.StatusCreated, signupResp.StatusCode)
	_ = signupResp.Body.Close()

	t.Run("Success", func(t *testing.T) {
		resp := postJSON(t, app, "/api/auth/login", map[string]string{
			"email":    "carol@example.com",
			"password": "SecurePass12!@",
		})
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body map[string]interface{}
		_ = json.NewDecoder(resp.Body).Decode(&body)

		// Token must carry the expected issuer and audience
		token, _, err := jwt.NewParser().ParseUnverified(body["token"].(string), jwt.MapClaims{})
		require.NoError(t, err)
		claims := token.Claims.(jwt.MapClaims)
		assert.Equal(t, tokenIssuer, claims["iss"])
		assert.Equal(t, tokenAudience, claims["aud"])
	})

	t.Run("Wrong Password", func(t *testing.T) {
		resp := postJSON(t, app, "/api/auth/login", map[string]string{
			"email":    "carol@example.com",
			"password": "WrongPass12!@",
		})
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("Unknown Email", func(t *testing.T) {
		resp := postJSON(t, app, "/api/auth/login", map[string]string{
			"email":    "nobody@example.com",
			"password": "SecurePass12!@",
		})
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}
