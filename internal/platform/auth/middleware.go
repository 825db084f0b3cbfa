package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const (
	CtxUserIDKey = "user_id"
	CtxRoleKey   = "role"
)

const (
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeForbidden       = "FORBIDDEN"
	CodeInternal        = "INTERNAL"
)

// 他の業務APIと同じエラー形式
type errorDTO struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func errorBody(code, msg string) errorDTO {
	var e errorDTO
	e.Message = msg
	e.Error.Code = code
	e.Error.Message = msg
	return e
}

func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, errorBody(code, msg))
}

// Claims: 発行と検証で同じ形を使う
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

var errNoBearer = errors.New("expected Authorization: Bearer <token>")

func bearerToken(header string) (string, error) {
	scheme, tok, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errNoBearer
	}
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return "", errNoBearer
	}
	return tok, nil
}

// parseToken: HS256 以外は受け付けない。exp は必須
func parseToken(raw string, secret []byte) (*Claims, error) {
	var cl Claims
	_, err := jwt.ParseWithClaims(raw, &cl, func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	if NormalizeID(cl.Subject) == "" {
		return nil, errors.New("token has no subject")
	}
	return &cl, nil
}

// RequireAuth: Bearer トークンを検証し、従業員IDとロールを context に置く
func RequireAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := bearerToken(c.GetHeader("Authorization"))
		if err != nil {
			abort(c, http.StatusUnauthorized, CodeUnauthenticated, err.Error())
			return
		}
		cl, err := parseToken(raw, secret)
		if err != nil {
			abort(c, http.StatusUnauthorized, CodeUnauthenticated, "invalid or expired token")
			return
		}
		c.Set(CtxUserIDKey, NormalizeID(cl.Subject))
		c.Set(CtxRoleKey, cl.Role)
		c.Next()
	}
}

// RequireRole: RequireAuth の後ろに置く
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		if r != "" {
			allowed[r] = true
		}
	}
	return func(c *gin.Context) {
		if !allowed[c.GetString(CtxRoleKey)] {
			abort(c, http.StatusForbidden, CodeForbidden, "this operation is not permitted for your role")
			return
		}
		c.Next()
	}
}

// CurrentEmployee: RequireAuth が詰めた従業員ID
func CurrentEmployee(c *gin.Context) string {
	return c.GetString(CtxUserIDKey)
}

// MayActFor: 本人か admin のみ、その従業員IDで打刻・申請できる
func MayActFor(c *gin.Context, employeeID string) bool {
	if c.GetString(CtxRoleKey) == RoleAdmin {
		return true
	}
	sub := CurrentEmployee(c)
	return sub != "" && sub == NormalizeID(employeeID)
}
