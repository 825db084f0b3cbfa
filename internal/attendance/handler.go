package attendance

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"EMS-backend/internal/platform/auth"
)

type Handler struct{ svc *Service }

// RegisterRoutes: RequireAuth 済みのグループに登録する
func RegisterRoutes(r gin.IRoutes, svc *Service) {
	h := &Handler{svc: svc}

	// GET /shifts（サーバ時刻での受付状況）
	r.GET("/shifts", h.Shifts)

	// GET /attendances/status?employee_id=&date=
	r.GET("/attendances/status", h.Status)
	// POST /attendances/check-in
	r.POST("/attendances/check-in", h.CheckIn)
	// POST /attendances/check-out
	r.POST("/attendances/check-out", h.CheckOut)

	// GET /attendances (一覧・検索)
	r.GET("/attendances", h.List)
	// GET /attendances/stats (admin)
	r.GET("/attendances/stats", auth.RequireRole(auth.RoleAdmin), h.Stats)
}

// ---------- handlers ----------

func (h *Handler) Shifts(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Shifts())
}

func (h *Handler) Status(c *gin.Context) {
	emp := c.DefaultQuery("employee_id", auth.CurrentEmployee(c))
	if !auth.MayActFor(c, emp) {
		fail(c, ErrForbidden("cannot view another employee's attendance"))
		return
	}
	res, err := h.svc.Status(c.Request.Context(), emp, c.Query("date"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) CheckIn(c *gin.Context) {
	var req CheckInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(CodeInvalidArgument, "invalid json or missing required fields"))
		return
	}
	if !auth.MayActFor(c, req.EmployeeID) {
		fail(c, ErrForbidden("cannot check in for another employee"))
		return
	}
	res, err := h.svc.CheckIn(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) CheckOut(c *gin.Context) {
	var req CheckOutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(CodeInvalidArgument, "invalid json or missing required fields"))
		return
	}
	if !auth.MayActFor(c, req.EmployeeID) {
		fail(c, ErrForbidden("cannot check out for another employee"))
		return
	}
	res, err := h.svc.CheckOut(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) List(c *gin.Context) {
	q := ListQuery{
		Limit:  parseIntDefault(c.Query("limit"), DefaultPageLimit),
		Offset: parseIntDefault(c.Query("offset"), 0),
		Sort:   c.DefaultQuery("sort", DefaultSort),
	}
	if q.Limit <= 0 {
		q.Limit = DefaultPageLimit
	}
	if q.Limit > MaxPageLimit {
		q.Limit = MaxPageLimit
	}
	if v := c.Query("employee_id"); v != "" {
		q.EmployeeID = &v
	}
	// admin 以外は自分の記録のみ
	if c.GetString(auth.CtxRoleKey) != auth.RoleAdmin {
		me := auth.CurrentEmployee(c)
		if q.EmployeeID != nil && auth.NormalizeID(*q.EmployeeID) != me {
			fail(c, ErrForbidden("cannot list another employee's attendance"))
			return
		}
		q.EmployeeID = &me
	} else if q.EmployeeID != nil {
		v := auth.NormalizeID(*q.EmployeeID)
		q.EmployeeID = &v
	}
	if v := c.Query("on"); v != "" {
		q.On = &v
	}
	if v := c.Query("from"); v != "" {
		q.From = &v
	}
	if v := c.Query("to"); v != "" {
		q.To = &v
	}

	items, total, err := h.svc.List(c.Request.Context(), q)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total, "limit": q.Limit, "offset": q.Offset})
}

func (h *Handler) Stats(c *gin.Context) {
	req := StatsRequest{
		From:  c.Query("from"),
		To:    c.Query("to"),
		Limit: parseIntDefault(c.Query("limit"), 10),
	}
	rows, err := h.svc.Stats(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": rows})
}

// ---------- helpers ----------

func parseIntDefault(s string, d int) int {
	if s == "" {
		return d
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return d
	}
	return v
}

// fail: APIError はそのコードで、それ以外は 500 で返す
func fail(c *gin.Context, err error) {
	c.JSON(toHTTPStatus(err), errorFromErr(err))
}
