package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var secret = []byte("test-secret-0123456789")

type memStore map[string]*Account

func (m memStore) GetByID(_ context.Context, id string) (*Account, error) { return m[id], nil }

func newTestService(t *testing.T) *Service {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("pass1234"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	store := memStore{
		"E001": {ID: "E001", PasswordHash: string(hash), Role: "user"},
		"E002": {ID: "E002", PasswordHash: string(hash), Role: "user", IsDisabled: true},
	}
	return NewService(store, secret, time.Hour)
}

func TestNormalizeID(t *testing.T) {
	if got := NormalizeID("  Ｅ００１ "); got != "E001" {
		t.Fatalf("NormalizeID = %q", got)
	}
}

func TestLogin(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	tok, err := svc.Login(ctx, "Ｅ００１", "pass1234")
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := jwt.Parse(tok, func(*jwt.Token) (any, error) { return secret, nil })
	if err != nil || !parsed.Valid {
		t.Fatalf("token invalid: %v", err)
	}
	if sub, _ := parsed.Claims.GetSubject(); sub != "E001" {
		t.Fatalf("sub = %q", sub)
	}
	if exp, _ := parsed.Claims.GetExpirationTime(); exp == nil {
		t.Fatal("token must carry exp")
	}

	if _, err := svc.Login(ctx, "E001", "wrong"); err != ErrInvalidCredentials {
		t.Fatalf("wrong password: %v", err)
	}
	if _, err := svc.Login(ctx, "E999", "pass1234"); err != ErrInvalidCredentials {
		t.Fatalf("unknown id: %v", err)
	}
	if _, err := svc.Login(ctx, "E002", "pass1234"); err != ErrDisabled {
		t.Fatalf("disabled: %v", err)
	}
}

func TestRequireAuthAndMayActFor(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newTestService(t)

	r := gin.New()
	RegisterRoutes(r, svc)
	r.GET("/me/:id", RequireAuth(secret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"sub": CurrentEmployee(c), "may": MayActFor(c, c.Param("id"))})
	})
	r.GET("/admin", RequireAuth(secret), RequireRole(RoleAdmin), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	body, _ := json.Marshal(LoginRequest{ID: "E001", Password: "pass1234"})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/login", bytes.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d", w.Code)
	}
	var login struct{ Token string }
	_ = json.Unmarshal(w.Body.Bytes(), &login)

	call := func(path, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	if w := call("/me/E001", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d", w.Code)
	}
	w = call("/me/E001", login.Token)
	var me struct {
		Sub string
		May bool
	}
	_ = json.Unmarshal(w.Body.Bytes(), &me)
	if w.Code != http.StatusOK || me.Sub != "E001" || !me.May {
		t.Fatalf("self: %d %+v", w.Code, me)
	}
	w = call("/me/E003", login.Token)
	_ = json.Unmarshal(w.Body.Bytes(), &me)
	if me.May {
		t.Fatal("user must not act for another employee")
	}
	if w := call("/admin", login.Token); w.Code != http.StatusForbidden {
		t.Fatalf("admin route: %d", w.Code)
	}
}

func TestAuthErrorsUseEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newTestService(t)

	r := gin.New()
	RegisterRoutes(r, svc)
	r.GET("/admin", RequireAuth(secret), RequireRole(RoleAdmin), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	user, err := svc.Login(context.Background(), "E001", "pass1234")
	if err != nil {
		t.Fatal(err)
	}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "E001",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}).SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "E001"}).SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name   string
		method string
		path   string
		header string
		body   string
		status int
		code   string
	}{
		{"missing header", http.MethodGet, "/admin", "", "", http.StatusUnauthorized, CodeUnauthenticated},
		{"not bearer", http.MethodGet, "/admin", "Basic abc", "", http.StatusUnauthorized, CodeUnauthenticated},
		{"expired", http.MethodGet, "/admin", "Bearer " + expired, "", http.StatusUnauthorized, CodeUnauthenticated},
		{"no exp", http.MethodGet, "/admin", "Bearer " + noExp, "", http.StatusUnauthorized, CodeUnauthenticated},
		{"wrong role", http.MethodGet, "/admin", "Bearer " + user, "", http.StatusForbidden, CodeForbidden},
		{"bad login body", http.MethodPost, "/login", "", `{}`, http.StatusBadRequest, CodeInvalidArgument},
		{"bad password", http.MethodPost, "/login", "", `{"id":"E001","password":"nope"}`, http.StatusUnauthorized, CodeUnauthenticated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, bytes.NewBufferString(tc.body))
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.status {
				t.Fatalf("status = %d, want %d", w.Code, tc.status)
			}
			var body errorDTO
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode %s: %v", w.Body.String(), err)
			}
			if body.Success || body.Error.Code != tc.code || body.Message == "" || body.Error.Message != body.Message {
				t.Fatalf("body = %s", w.Body.String())
			}
		})
	}
}
