package photos

import (
	"errors"
	"io/fs"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes: GET /photos/*ref（保存済み打刻写真の参照）。権限チェックは呼び出し側のミドルウェアで
func RegisterRoutes(r gin.IRoutes, s *Store, mw ...gin.HandlerFunc) {
	handlers := append(mw, func(c *gin.Context) {
		ref := strings.TrimPrefix(c.Param("ref"), "/")
		f, err := s.Open(ref)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "NOT_FOUND", "message": "photo not found"}})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"code": "INTERNAL", "message": "failed to open photo"}})
			return
		}
		defer f.Close()
		st, err := f.Stat()
		if err != nil || st.IsDir() {
			c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "NOT_FOUND", "message": "photo not found"}})
			return
		}
		c.Header("Content-Type", "image/jpeg")
		c.Header("Cache-Control", "private, max-age=86400")
		http.ServeContent(c.Writer, c.Request, st.Name(), st.ModTime(), f)
	})
	r.GET("/photos/*ref", handlers...)
}
