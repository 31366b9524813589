package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"loomchat.org/internal/admin"
	"loomchat.org/internal/audit"
	"loomchat.org/internal/config"
	"loomchat.org/internal/httpapi"
	"loomchat.org/internal/identity"
	"loomchat.org/internal/obs"
	"loomchat.org/internal/ratelimit"
	"loomchat.org/internal/secretbox"
	"loomchat.org/internal/session"
	"loomchat.org/internal/store"
	"loomchat.org/internal/token"
)

var version = "0.3.1"

func main() {
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("LOOM_COMMIT"))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	sqlDB, err := store.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer sqlDB.Close()

	signer, err := token.NewSigner(cfg.AccessSecret, cfg.RefreshSecret,
		token.WithAccessTTL(cfg.AccessTTL),
		token.WithRefreshTTL(cfg.RefreshTTL),
	)
	if err != nil {
		log.Fatalf("signer: %v", err)
	}

	// Encryption codec for at-rest content. Built at boot so malformed key
	// material fails fast; serves the envelope rotation endpoint and
	// content-layer callers that store sensitive blobs.
	keys, err := secretbox.ParseKeys(cfg.EncryptionKeys)
	if err != nil {
		log.Fatalf("encryption keys: %v", err)
	}
	codec, err := secretbox.NewCodec(keys)
	if err != nil {
		log.Fatalf("encryption codec: %v", err)
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer redisClient.Close()
	}
	var scripter redis.Scripter
	if redisClient != nil {
		scripter = redisClient
	}
	limiter, err := ratelimit.New(scripter, cfg.Production(),
		ratelimit.WithTimeout(cfg.StoreTimeout))
	if err != nil {
		log.Fatalf("rate limiter: %v", err)
	}
	defer limiter.Close()

	sessions := session.NewService(
		identity.NewPostgresStore(sqlDB),
		session.NewPostgresStore(sqlDB),
		audit.NewPostgresStore(sqlDB),
		signer,
	)
	admins := admin.NewService(sqlDB)

	api := httpapi.New(httpapi.ReadyProbe{DB: sqlDB}, sessions, admins, limiter, httpapi.Config{
		Version:    version,
		RateLimit:  int64(cfg.RateLimit),
		RateWindow: cfg.RateWindow,
		Codec:      codec,
	})

	handler := httpapi.RequestID(
		httpapi.Logging(
			httpapi.SecurityHeaders(
				httpapi.CORS(
					httpapi.RateLimit(
						httpapi.MaxBodyBytes(api.Handler(), 1<<20),
						cfg.HTTPRateBurst, cfg.HTTPRateRPS)))))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// periodic expired-session sweep
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(cfg.SessionSweepGap)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(sweepCtx, cfg.StoreTimeout)
				deleted, err := sessions.SweepExpired(ctx)
				cancel()
				if err != nil {
					obs.LogSecurity("sweep.failed", map[string]any{"error": err.Error()})
					continue
				}
				if deleted > 0 {
					obs.LogSecurity("sweep.done", map[string]any{"deleted": deleted})
				}
			}
		}
	}()

	log.Printf("Starting loomchat-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}
