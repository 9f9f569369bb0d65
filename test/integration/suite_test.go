//go:build integration
// +build integration

// Package integration drives a live Lamina server through real S3 clients:
// the AWS SDK for Go v2 and minio-go. Both sign requests with SigV4 and use
// the streaming aws-chunked payload encodings, so these tests cover the full
// authentication and ingest path a production client exercises.
//
// Run with: go test -tags integration ./test/integration/ (and
// INTEGRATION_TESTS=true).
package integration

import (
	"io"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/lamina-storage/lamina/internal/config"
	"github.com/lamina-storage/lamina/internal/server"
	"github.com/lamina-storage/lamina/internal/storage/memory"
)

const (
	testRegion    = "us-east-1"
	testAccessKey = "LAMINAINTEGRATION1"
	testSecretKey = "integration-test-secret-key-000000000000"
)

func skipUnlessEnabled(t *testing.T) {
	t.Helper()
	if os.Getenv("INTEGRATION_TESTS") != "true" {
		t.Skip("Integration tests skipped. Set INTEGRATION_TESTS=true to run.")
	}
}

// startServer runs a Lamina server with authentication enabled on an
// in-process listener and returns its base URL.
func startServer(t *testing.T) string {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &config.Config{}
	cfg.Auth.Enabled = true
	cfg.Auth.Region = testRegion
	cfg.Auth.Users = []config.UserConfig{{
		AccessKeyID:     testAccessKey,
		SecretAccessKey: testSecretKey,
		DisplayName:     "Integration Tester",
		Permissions: []config.PermissionConfig{{
			Bucket:  "*",
			Actions: []string{"list", "read", "write", "delete"},
		}},
	}}
	cfg.Buckets.DefaultType = "GeneralPurpose"
	cfg.Buckets.DefaultStorageClass = "STANDARD"
	cfg.Cache.MaxSizeBytes = 16 * 1024 * 1024

	srv, err := server.NewServer(cfg, memory.New(logger), "integration", logger)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}
