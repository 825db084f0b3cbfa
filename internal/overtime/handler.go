package overtime

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"EMS-backend/internal/platform/auth"
)

type Handler struct{ svc *Service }

func RegisterRoutes(r gin.IRoutes, svc *Service) {
	h := &Handler{svc: svc}

	// POST /overtime-requests
	r.POST("/overtime-requests", h.Create)
	// GET /overtime-requests/latest?employee_id=
	r.GET("/overtime-requests/latest", h.Latest)
	// GET /overtime-requests?employee_id=&status=
	r.GET("/overtime-requests", h.List)
	// PATCH /overtime-requests/:request_id/status (admin)
	r.PATCH("/overtime-requests/:request_id/status", auth.RequireRole(auth.RoleAdmin), h.Decide)
}

func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(CodeInvalidArgument, "invalid json or missing required fields"))
		return
	}
	if !auth.MayActFor(c, req.EmployeeID) {
		fail(c, ErrForbidden("cannot request overtime for another employee"))
		return
	}
	res, err := h.svc.Create(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.Header("Location", "/overtime-requests/"+res.Request.RequestID)
	c.JSON(http.StatusCreated, res)
}

func (h *Handler) Latest(c *gin.Context) {
	emp := c.DefaultQuery("employee_id", auth.CurrentEmployee(c))
	if !auth.MayActFor(c, emp) {
		fail(c, ErrForbidden("cannot view another employee's requests"))
		return
	}
	res, err := h.svc.Latest(c.Request.Context(), emp)
	if err != nil {
		fail(c, err)
		return
	}
	if res == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) List(c *gin.Context) {
	q := ListQuery{
		Limit:  parseIntDefault(c.Query("limit"), DefaultPageLimit),
		Offset: parseIntDefault(c.Query("offset"), 0),
	}
	if v := c.Query("status"); v != "" {
		q.Status = &v
	}
	emp := c.Query("employee_id")
	if c.GetString(auth.CtxRoleKey) != auth.RoleAdmin {
		if emp == "" {
			emp = auth.CurrentEmployee(c)
		}
		if !auth.MayActFor(c, emp) {
			fail(c, ErrForbidden("cannot view another employee's requests"))
			return
		}
	}
	if emp != "" {
		v := auth.NormalizeID(emp)
		q.EmployeeID = &v
	}

	items, err := h.svc.List(c.Request.Context(), q)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handler) Decide(c *gin.Context) {
	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(CodeInvalidArgument, "status must be Approved or Rejected"))
		return
	}
	res, err := h.svc.Decide(c.Request.Context(), c.Param("request_id"), req.Status, auth.CurrentEmployee(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

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
