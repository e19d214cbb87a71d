// Package main はコマンドAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/music-ripper/internal/auth"
	"github.com/yourusername/music-ripper/internal/commands"
	"github.com/yourusername/music-ripper/internal/config"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := log.Default()

	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// セッションストアの設定
	secret := cfg.SessionSecret
	if secret == "" {
		// 認証なしの場合でもセッションミドルウェアは必要
		secret = "music-ripper-dev-only"
	}
	store := cookie.NewStore([]byte(secret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORS: 表示層はブラウザから直接叩く
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "X-CSRF-Token"}
	corsConfig.ExposeHeaders = []string{"X-CSRF-Token"}
	router.Use(cors.New(corsConfig))

	svc, err := setupJobs(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to set up jobs: %v", err)
	}

	// 再起動前から実行中のジョブがあれば追跡を再開する
	resumeCtx, cancelResume := context.WithTimeout(context.Background(), cfg.RemoteTimeout)
	if err := svc.manager.Resume(resumeCtx); err != nil {
		logger.Printf("resume skipped: %v", err)
	}
	cancelResume()

	if err := setupRoutes(router, cfg, svc, logger); err != nil {
		log.Fatalf("Failed to set up routes: %v", err)
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Printf("Starting API server on %s (mode: %s)", server.Addr, cfg.GinMode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("server shutdown: %v", err)
	}
	_ = svc.shutdown(shutdownCtx, logger)
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "music-ripper-api",
		"version": "0.1.0",
	})
}

// setupRoutes はコマンドAPIと認証周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config, svc *jobServices, logger *log.Logger) error {
	router.GET("/health", handleHealth)

	commandRouter, err := commands.NewRouter(svc.manager, logger)
	if err != nil {
		return err
	}
	var history commands.HistoryReader
	if svc.history != nil {
		history = svc.history
	}
	handler := commands.NewHandler(commandRouter, history)

	authManager := auth.NewManager(cfg)

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
		}

		protected := api.Group("")
		protected.Use(authManager.RequireLogin(), authManager.VerifyCSRF())
		handler.Register(protected)
	}
	return nil
}
