package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/deterministic-agent-lab/gate/pkg/api"
	"github.com/deterministic-agent-lab/gate/pkg/driver"
	"github.com/deterministic-agent-lab/gate/pkg/gatestore"
	"github.com/deterministic-agent-lab/gate/pkg/httprules"
	"github.com/deterministic-agent-lab/gate/pkg/journal"
	"github.com/deterministic-agent-lab/gate/pkg/orchestrator"
	"github.com/deterministic-agent-lab/gate/pkg/policy"
	"github.com/deterministic-agent-lab/gate/pkg/promptstore"
	"github.com/deterministic-agent-lab/gate/pkg/signing"
)

func runServe(cfg config) int {
	fmt.Println("gate: starting")
	cfg.printBanner(os.Stdout)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("gate: create data dir: %v", err)
	}

	blobs, err := buildBlobBackend(cfg)
	if err != nil {
		log.Fatalf("gate: blob backend: %v", err)
	}

	driverName, dsn := cfg.storeDriver()
	store, err := gatestore.Open(driverName, dsn, blobs)
	if err != nil {
		log.Fatalf("gate: open gate store: %v", err)
	}
	defer store.Close()

	j, err := journal.Open(filepath.Join(cfg.DataDir, "journal.jsonl"), nil)
	if err != nil {
		log.Fatalf("gate: open journal: %v", err)
	}
	defer j.Close()

	registry, err := httprules.Load(filepath.Join(cfg.Policy, "httprules.yaml"))
	if err != nil {
		log.Fatalf("gate: load http rollback rules: %v", err)
	}

	drivers := driver.NewRegistry()
	drivers.Register("file.write", driver.FileWriteDriver{})
	drivers.Register("http.post", driver.HTTPPostDriver{
		Client: http.DefaultClient,
		Registry: registry,
		Limiter: rate.NewLimiter(rate.Limit(10), 20),
		Clock: time.Now,
	})
	promptStore, err := promptstore.Open(filepath.Join(cfg.DataDir, "prompts"), promptstore.Record, time.Now)
	if err != nil {
		log.Fatalf("gate: open prompt store: %v", err)
	}
	drivers.Register("llm.call", driver.LLMCallDriver{Store: promptStore, Provider: unconfiguredProvider})

	policyLoader := func() (policy.Config, error) { return policy.LoadConfig(cfg.Policy) }

	lock, err := buildLocker(cfg)
	if err != nil {
		log.Fatalf("gate: lock backend: %v", err)
	}

	logger := slog.Default()
	orc := orchestrator.New(store, j, drivers, policyLoader, lock, logger)

	if cfg.SigningKeyID != "" {
		signer, err := signing.NewSigner(cfg.SigningKeyID)
		if err != nil {
			log.Fatalf("gate: init approval signer: %v", err)
		}
		orc.Signer = signer
		logger.Info("approval signing enabled", "key_id", cfg.SigningKeyID, "public_key", signer.PublicKeyHex())
	}

	var jwtValidator *api.JWTValidator
	if cfg.JWTPublicKeyPath != "" {
		pemBytes, err := os.ReadFile(cfg.JWTPublicKeyPath)
		if err != nil {
			log.Fatalf("gate: read GATE_JWT_PUBLIC_KEY: %v", err)
		}
		jwtValidator, err = api.NewJWTValidator(pemBytes)
		if err != nil {
			log.Fatalf("gate: init jwt validator: %v", err)
		}
	}

	server := api.NewServer(orc, jwtValidator, logger)
	limiter := api.NewGlobalRateLimiter(20, 40)
	handler := api.WithLogging(logger, limiter.Middleware(server.Routes()))

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: handler}

	go func() {
		logger.Info("gate listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("gate: http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("gate shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
	return 0
}

func buildBlobBackend(cfg config) (gatestore.BlobBackend, error) {
	switch cfg.BlobBackend {
	case "s3":
		return gatestore.NewS3BlobBackend(context.Background(), gatestore.S3BlobConfig{Bucket: cfg.S3Bucket})
	case "gcs":
		return buildGCSBlobBackend(cfg)
	default:
		return gatestore.NewLocalBlobBackend(filepath.Join(cfg.DataDir, "bundles")), nil
	}
}

func buildLocker(cfg config) (orchestrator.Locker, error) {
	if cfg.LockBackend != "redis" {
		return orchestrator.NewLocalLocker(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return orchestrator.NewRedisLocker(client), nil
}

// unconfiguredProvider backs the llm.call driver when no external provider
// is wired in. Actually invoking a model provider is not implemented here;
// callers that want live calls supply their own promptstore.ProviderFunc at
// embed time.
func unconfiguredProvider(provider, model string, prompt promptstore.Prompt) (string, error) {
	return "", fmt.Errorf("llm.call: no provider configured for %s/%s", provider, model)
}
