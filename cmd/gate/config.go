package main

import (
	"fmt"
	"os"

	"github.com/deterministic-agent-lab/gate/pkg/gatestore"
)

// config is the environment-driven configuration: read with os.Getenv and
// sensible fallback defaults, never from a config file.
type config struct {
	Policy string // GATE_POLICY
	DataDir string // GATE_DATA_DIR
	HTTPAddr string // GATE_HTTP_ADDR
	BlobBackend string // GATE_BLOB_BACKEND: local|s3|gcs
	LockBackend string // GATE_LOCK_BACKEND: local|redis
	RedisAddr string // GATE_REDIS_ADDR
	DatabaseURL string // GATE_DATABASE_URL (postgres://...)
	SigningKeyID string // GATE_BUNDLE_SIGNING_KEY_ID
	JWTPublicKeyPath string // GATE_JWT_PUBLIC_KEY
	S3Bucket string // GATE_S3_BUCKET
	GCSBucket string // GATE_GCS_BUCKET
}

func loadConfigFromEnv() config {
	return config{
		Policy: getenv("GATE_POLICY", "policy"),
		DataDir: getenv("GATE_DATA_DIR", "data"),
		HTTPAddr: getenv("GATE_HTTP_ADDR", ":8080"),
		BlobBackend: getenv("GATE_BLOB_BACKEND", "local"),
		LockBackend: getenv("GATE_LOCK_BACKEND", "local"),
		RedisAddr: os.Getenv("GATE_REDIS_ADDR"),
		DatabaseURL: os.Getenv("GATE_DATABASE_URL"),
		SigningKeyID: os.Getenv("GATE_BUNDLE_SIGNING_KEY_ID"),
		JWTPublicKeyPath: os.Getenv("GATE_JWT_PUBLIC_KEY"),
		S3Bucket: os.Getenv("GATE_S3_BUCKET"),
		GCSBucket: os.Getenv("GATE_GCS_BUCKET"),
	}
}

func (c config) storeDriver() (gatestore.Driver, string) {
	if c.DatabaseURL != "" {
		return gatestore.DriverPostgres, c.DatabaseURL
	}
	return gatestore.DriverSQLite, "file:" + c.DataDir + "/gate.db"
}

func (c config) printBanner(out *os.File) {
	if c.DatabaseURL == "" {
		fmt.Fprintf(out, "GATE_DATABASE_URL not set, falling back to Lite Mode (SQLite) at %s/gate.db\n", c.DataDir)
	} else {
		fmt.Fprintln(out, "gate: postgres configured via GATE_DATABASE_URL")
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
