package overtime

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"EMS-backend/internal/platform/auth"
)

func init() { gin.SetMode(gin.TestMode) }

func newRouter(svc *Service, sub, role string) *gin.Engine {
	r := gin.New()
	g := r.Group("/api/v1", func(c *gin.Context) {
		c.Set(auth.CtxUserIDKey, sub)
		c.Set(auth.CtxRoleKey, role)
		c.Next()
	})
	RegisterRoutes(g, svc)
	return r
}

func do(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandlerLatestNoContentThenOK(t *testing.T) {
	svc, _, _ := newTestService()
	r := newRouter(svc, "E001", "")

	if w := do(t, r, http.MethodGet, "/api/v1/overtime-requests/latest", nil); w.Code != http.StatusNoContent {
		t.Fatalf("latest before any = %d", w.Code)
	}
	w := do(t, r, http.MethodPost, "/api/v1/overtime-requests", map[string]any{"employee_id": "E001", "hours": 1.5, "note": "release"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", w.Code, w.Body)
	}
	w = do(t, r, http.MethodGet, "/api/v1/overtime-requests/latest?employee_id=E001", nil)
	var got RequestResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if w.Code != http.StatusOK || got.Hours != 1.5 {
		t.Fatalf("latest = %d %+v", w.Code, got)
	}

	w = do(t, r, http.MethodPost, "/api/v1/overtime-requests", map[string]any{"employee_id": "E001", "hours": 1})
	var body errorDTO
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if w.Code != http.StatusConflict || body.Success || body.Error.Code != CodeCooldown || body.Message == "" {
		t.Fatalf("cooldown = %d %+v", w.Code, body)
	}
}

func TestHandlerDecideRequiresAdmin(t *testing.T) {
	svc, _, _ := newTestService()
	emp := newRouter(svc, "E001", "")
	do(t, emp, http.MethodPost, "/api/v1/overtime-requests", map[string]any{"employee_id": "E001", "hours": 2})

	if w := do(t, emp, http.MethodPatch, "/api/v1/overtime-requests/REQ001/status", map[string]string{"status": StatusApproved}); w.Code != http.StatusForbidden {
		t.Fatalf("employee decide = %d", w.Code)
	}

	admin := newRouter(svc, "boss", auth.RoleAdmin)
	if w := do(t, admin, http.MethodPatch, "/api/v1/overtime-requests/REQ001/status", map[string]string{"status": "Done"}); w.Code != http.StatusBadRequest {
		t.Fatalf("bad status = %d", w.Code)
	}
	if w := do(t, admin, http.MethodPatch, "/api/v1/overtime-requests/REQ001/status", map[string]string{"status": StatusRejected}); w.Code != http.StatusOK {
		t.Fatalf("admin decide = %d %s", w.Code, w.Body)
	}

	w := do(t, emp, http.MethodGet, "/api/v1/overtime-requests?status=Rejected", nil)
	var list struct {
		Items []RequestResponse `json:"items"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Items) != 1 || list.Items[0].Status != StatusRejected {
		t.Fatalf("list = %+v", list.Items)
	}
}

func TestHandlerForbidsOtherEmployees(t *testing.T) {
	svc, _, _ := newTestService()
	r := newRouter(svc, "E001", "")
	w := do(t, r, http.MethodPost, "/api/v1/overtime-requests", map[string]any{"employee_id": "E002", "hours": 1})
	if w.Code != http.StatusForbidden {
		t.Fatalf("create for other = %d", w.Code)
	}
	var body errorDTO
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body.Error.Code != CodeForbidden || body.Message == "" {
		t.Fatalf("forbidden body = %s", w.Body.String())
	}
	if w := do(t, r, http.MethodGet, "/api/v1/overtime-requests/latest?employee_id=E002", nil); w.Code != http.StatusForbidden {
		t.Fatalf("latest for other = %d", w.Code)
	}
	if w := do(t, r, http.MethodGet, "/api/v1/overtime-requests?employee_id=E002", nil); w.Code != http.StatusForbidden {
		t.Fatalf("list for other = %d", w.Code)
	}
}
