package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCORSExposesS3Headers(t *testing.T) {
	h := NewCORS().Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/bucket/key", nil))

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	expose := rec.Header().Get("Access-Control-Expose-Headers")
	assert.Contains(t, expose, "ETag")
	assert.Contains(t, expose, "X-Amz-Request-Id")
	assert.Contains(t, expose, "Content-Range")
	assert.Contains(t, expose, "x-amz-checksum-crc64nvme")
	assert.Contains(t, expose, "x-amz-checksum-sha256")
}

func TestCORSPreflight(t *testing.T) {
	called := false
	h := NewCORS().Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	r := httptest.NewRequest(http.MethodOptions, "/bucket/key", nil)
	r.Header.Set("Access-Control-Request-Method", "PUT")
	r.Header.Set("Access-Control-Request-Headers", "authorization, x-amz-meta-owner")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, called, "preflight must not reach the handler chain")
	assert.Equal(t, "authorization, x-amz-meta-owner", rec.Header().Get("Access-Control-Allow-Headers"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PUT")
	assert.Equal(t, "3600", rec.Header().Get("Access-Control-Max-Age"))
}
