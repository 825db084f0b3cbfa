package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"EMS-backend/internal/attendance"
	"EMS-backend/internal/overtime"
	"EMS-backend/internal/platform/apidocs"
	"EMS-backend/internal/platform/auth"
	"EMS-backend/internal/platform/db"
	"EMS-backend/internal/platform/photos"
)

func main() {
	// 設定読み込み（EMS_CONFIG 未指定なら config/config.yaml）
	cfg, err := db.LoadConfig(os.Getenv("EMS_CONFIG"))
	if err != nil {
		log.Fatalf("[ERROR] %v", err)
	}

	mode := cfg.Mode
	log.Printf("[INFO] mode:%s tz:%s shifts:%d\n", mode, cfg.Timezone, len(cfg.Shifts))

	conn, err := db.Connect(cfg.DB)
	if err != nil {
		log.Fatalf("[ERROR] %v", err)
	}
	defer conn.Close()

	log.Printf("[INFO] connected to DB: %s", cfg.DB.DBName)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	_ = r.SetTrustedProxies(nil)
	r.Use(limitBody(cfg.Photos.MaxBytes))

	if mode == "dev" {
		// CORS（開発中のみ必要）
		r.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.Server.CORSOrigins,
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			ExposeHeaders:    []string{"Content-Length", "Location"},
			AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowCredentials: true,
		}))
		// API ドキュメント（/openapi.yaml, /swagger/index.html）
		if err := apidocs.Register(r, cfg.Version); err != nil {
			log.Fatalf("[ERROR] %v", err)
		}
	}

	// ヘルス
	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	secret := []byte(cfg.Auth.JWTSecret)
	photoStore := photos.NewStore(photos.Options{
		Dir:         cfg.Photos.Dir,
		MaxWidth:    cfg.Photos.MaxWidth,
		MaxHeight:   cfg.Photos.MaxHeight,
		JPEGQuality: cfg.Photos.JPEGQuality,
		MaxBytes:    cfg.Photos.MaxBytes,
	})

	// /api/v1
	api := r.Group("/api/v1")
	auth.RegisterRoutes(api, auth.NewService(auth.NewStore(conn), secret, cfg.Auth.TokenTTL))

	authed := api.Group("", auth.RequireAuth(secret))
	attendance.RegisterRoutes(authed, attendance.NewService(conn, photoStore, cfg.Shifts, cfg.Location()))
	overtime.RegisterRoutes(authed, overtime.NewService(conn))
	photos.RegisterRoutes(authed, photoStore, auth.RequireRole(auth.RoleAdmin))

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		var err error
		if cfg.TLSEnabled() {
			log.Printf("[INFO] listening on https://%s", cfg.Server.Addr)
			err = srv.ListenAndServeTLS(cfg.Certificate.Cert, cfg.Certificate.Key)
		} else {
			log.Printf("[WARN] certificate not configured; listening on http://%s", cfg.Server.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Println("[INFO] shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal(err)
	}
}

// limitBody: base64 写真（4/3倍）＋JSON の余裕分までに本文を制限する
func limitBody(photoMax int) gin.HandlerFunc {
	if photoMax <= 0 {
		photoMax = 5 << 20
	}
	limit := int64(photoMax)*4/3 + 64<<10
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		c.Next()
	}
}
