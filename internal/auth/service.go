package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lamina-storage/lamina/internal/s3err"
)

// MaxClockSkew bounds how far a request timestamp may drift from server
// time before the request is rejected.
const MaxClockSkew = 15 * time.Minute

// bruteForceThreshold is the failed-attempt count per client IP after which
// failures are escalated from warnings to errors in the log.
const bruteForceThreshold = 5

// failureResetWindow is how long a client IP has to stay quiet before its
// failure counter starts over.
const failureResetWindow = time.Hour

var (
	credentialRegex    = regexp.MustCompile(`Credential=([^,\s]+)`)
	signedHeadersRegex = regexp.MustCompile(`SignedHeaders=([^,\s]+)`)
	signatureRegex     = regexp.MustCompile(`Signature=([a-fA-F0-9]+)`)
)

// SignatureInfo holds the parsed components of an AWS4-HMAC-SHA256
// Authorization header.
type SignatureInfo struct {
	AccessKey     string
	Signature     string
	SignedHeaders []string
	Date          string
	Region        string
	Service       string
	Request       string
}

// Scope returns the credential scope in the form date/region/service/request.
func (s *SignatureInfo) Scope() string {
	return strings.Join([]string{s.Date, s.Region, s.Service, s.Request}, "/")
}

// RequestAuth is the outcome of authenticating a request. Principal is nil
// when the server runs in open mode without configured users. Validator is
// non-nil only for aws-chunked uploads; the handler must wrap the request
// body with a ChunkedReader before consuming any payload bytes.
type RequestAuth struct {
	Principal *Principal
	AccessKey string
	Validator *ChunkValidator
}

// Authenticator verifies AWS Signature Version 4 request signatures against
// a credential store and tracks authentication failures per client IP.
type Authenticator struct {
	creds  *CredentialStore
	region string
	logger *logrus.Logger

	keyMu    sync.RWMutex
	keyCache map[string][]byte

	failMu         sync.Mutex
	failedAttempts map[string]int
	lastFailure    map[string]time.Time
}

func NewAuthenticator(creds *CredentialStore, region string, logger *logrus.Logger) *Authenticator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Authenticator{
		creds:          creds,
		region:         region,
		logger:         logger,
		keyCache:       make(map[string][]byte),
		failedAttempts: make(map[string]int),
		lastFailure:    make(map[string]time.Time),
	}
}

// Authenticate validates the signature of r and resolves the signing user.
// A missing Authorization header yields AccessDenied; every other
// authentication fault yields SignatureDoesNotMatch without revealing which
// check failed.
func (a *Authenticator) Authenticate(r *http.Request) (*RequestAuth, error) {
	if a.creds.Empty() {
		return a.openModeAuth(r)
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		a.logger.WithFields(logrus.Fields{
			"event_type": "missing_authorization",
			"client_ip":  clientIP(r),
			"method":     r.Method,
			"path":       r.URL.Path,
		}).Warn("Request without Authorization header")
		return nil, s3err.ErrAccessDenied
	}

	info, err := parseAuthorizationHeader(header)
	if err != nil {
		a.recordFailure(r, "malformed_authorization", err)
		return nil, s3err.ErrSignatureDoesNotMatch
	}
	if info.Service != "s3" || info.Request != "aws4_request" {
		a.recordFailure(r, "invalid_credential_scope", fmt.Errorf("scope %s", info.Scope()))
		return nil, s3err.ErrSignatureDoesNotMatch
	}
	if a.region != "" && info.Region != a.region {
		a.recordFailure(r, "region_mismatch", fmt.Errorf("credential region %s, server region %s", info.Region, a.region))
		return nil, s3err.ErrSignatureDoesNotMatch
	}

	user, ok := a.creds.Lookup(info.AccessKey)
	if !ok {
		a.recordFailure(r, "unknown_access_key", fmt.Errorf("access key %s", info.AccessKey))
		return nil, s3err.ErrSignatureDoesNotMatch
	}

	amzDate, err := a.validateTimestamp(r, info)
	if err != nil {
		a.recordFailure(r, "invalid_timestamp", err)
		return nil, s3err.ErrSignatureDoesNotMatch
	}

	payloadHash := r.Header.Get("x-amz-content-sha256")
	if payloadHash == "" {
		payloadHash = UnsignedPayload
	}
	canonical, err := BuildCanonicalRequest(r, info.SignedHeaders, payloadHash)
	if err != nil {
		a.recordFailure(r, "canonicalization_failed", err)
		return nil, s3err.ErrSignatureDoesNotMatch
	}
	key := a.signingKey(user.SecretAccessKey, info)
	want := SignHex(key, StringToSign(amzDate, info.Scope(), canonical))
	if subtle.ConstantTimeCompare([]byte(want), []byte(info.Signature)) != 1 {
		a.recordFailure(r, "signature_mismatch", nil)
		return nil, s3err.ErrSignatureDoesNotMatch
	}

	out := &RequestAuth{Principal: user.principal(), AccessKey: user.AccessKeyID}
	signed, trailer, streaming := streamingMode(payloadHash)
	if streaming {
		v, err := a.buildChunkValidator(r, signed, trailer)
		if err != nil {
			return nil, err
		}
		v.SigningKey = key
		v.AmzDate = amzDate
		v.Scope = info.Scope()
		v.SeedSignature = info.Signature
		out.Validator = v
	}
	return out, nil
}

// openModeAuth accepts the request without verification. aws-chunked framing
// still has to be stripped, so a validator in unsigned mode is returned for
// streaming bodies regardless of the sentinel's signed variant.
func (a *Authenticator) openModeAuth(r *http.Request) (*RequestAuth, error) {
	out := &RequestAuth{}
	if _, trailer, streaming := streamingMode(r.Header.Get("x-amz-content-sha256")); streaming {
		v, err := a.buildChunkValidator(r, false, trailer)
		if err != nil {
			return nil, err
		}
		out.Validator = v
	}
	return out, nil
}

// streamingMode classifies an x-amz-content-sha256 value. ok is false for
// plain hashes and the UNSIGNED-PAYLOAD sentinel.
func streamingMode(contentSHA string) (signed, trailer, ok bool) {
	switch contentSHA {
	case StreamingPayload:
		return true, false, true
	case StreamingPayloadTrailer:
		return true, true, true
	case StreamingUnsignedPayloadTrailer:
		return false, true, true
	}
	return false, false, false
}

func (a *Authenticator) buildChunkValidator(r *http.Request, signed, trailer bool) (*ChunkValidator, error) {
	decodedStr := r.Header.Get("x-amz-decoded-content-length")
	if decodedStr == "" {
		return nil, s3err.ErrIncompleteBody.WithMessage("x-amz-decoded-content-length is required for aws-chunked uploads")
	}
	decoded, err := strconv.ParseInt(decodedStr, 10, 64)
	if err != nil || decoded < 0 {
		return nil, s3err.ErrInvalidArgument.WithMessage("invalid x-amz-decoded-content-length %q", decodedStr)
	}
	v := &ChunkValidator{
		DecodedLength: decoded,
		Signed:        signed,
		Trailer:       trailer,
	}
	if trailer {
		for _, name := range strings.Split(r.Header.Get("x-amz-trailer"), ",") {
			if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
				v.TrailerNames = append(v.TrailerNames, name)
			}
		}
	}
	return v, nil
}

func parseAuthorizationHeader(header string) (*SignatureInfo, error) {
	if !strings.HasPrefix(header, SigningAlgorithm) {
		return nil, errors.New("unsupported authorization scheme")
	}
	credMatch := credentialRegex.FindStringSubmatch(header)
	if credMatch == nil {
		return nil, errors.New("missing Credential field")
	}
	parts := strings.Split(credMatch[1], "/")
	if len(parts) != 5 {
		return nil, fmt.Errorf("credential has %d components, want 5", len(parts))
	}
	headersMatch := signedHeadersRegex.FindStringSubmatch(header)
	if headersMatch == nil {
		return nil, errors.New("missing SignedHeaders field")
	}
	sigMatch := signatureRegex.FindStringSubmatch(header)
	if sigMatch == nil || len(sigMatch[1]) != 64 {
		return nil, errors.New("missing or malformed Signature field")
	}
	return &SignatureInfo{
		AccessKey:     parts[0],
		Date:          parts[1],
		Region:        parts[2],
		Service:       parts[3],
		Request:       parts[4],
		SignedHeaders: strings.Split(headersMatch[1], ";"),
		Signature:     strings.ToLower(sigMatch[1]),
	}, nil
}

// validateTimestamp checks the request time against the allowed clock skew
// and against the credential scope date. It returns the ISO 8601 timestamp
// the signature was computed over.
func (a *Authenticator) validateTimestamp(r *http.Request, info *SignatureInfo) (string, error) {
	amzDate := r.Header.Get("X-Amz-Date")
	if amzDate == "" {
		dateHeader := r.Header.Get("Date")
		if dateHeader == "" {
			return "", errors.New("request carries neither X-Amz-Date nor Date")
		}
		t, err := http.ParseTime(dateHeader)
		if err != nil {
			return "", fmt.Errorf("unparseable Date header: %w", err)
		}
		amzDate = t.UTC().Format(TimeFormat)
	}
	t, err := time.Parse(TimeFormat, amzDate)
	if err != nil {
		return "", fmt.Errorf("unparseable request timestamp %q: %w", amzDate, err)
	}
	if skew := time.Since(t); skew > MaxClockSkew || skew < -MaxClockSkew {
		return "", fmt.Errorf("request time %s outside allowed clock skew", amzDate)
	}
	if !strings.HasPrefix(amzDate, info.Date) {
		return "", fmt.Errorf("credential scope date %s does not match request date", info.Date)
	}
	return amzDate, nil
}

// signingKey returns the derived key for the credential scope, caching it
// so repeated requests within a day skip the HMAC chain.
func (a *Authenticator) signingKey(secret string, info *SignatureInfo) []byte {
	cacheKey := info.AccessKey + "/" + info.Date + "/" + info.Region
	a.keyMu.RLock()
	key, ok := a.keyCache[cacheKey]
	a.keyMu.RUnlock()
	if ok {
		return key
	}
	key = DeriveSigningKey(secret, info.Date, info.Region)
	a.keyMu.Lock()
	a.keyCache[cacheKey] = key
	a.keyMu.Unlock()
	return key
}

func (a *Authenticator) recordFailure(r *http.Request, event string, cause error) {
	ip := clientIP(r)
	a.failMu.Lock()
	if last, ok := a.lastFailure[ip]; ok && time.Since(last) > failureResetWindow {
		a.failedAttempts[ip] = 0
	}
	a.failedAttempts[ip]++
	count := a.failedAttempts[ip]
	a.lastFailure[ip] = time.Now()
	a.failMu.Unlock()

	entry := a.logger.WithFields(logrus.Fields{
		"event_type":   event,
		"client_ip":    ip,
		"method":       r.Method,
		"path":         r.URL.Path,
		"failed_count": count,
	})
	if cause != nil {
		entry = entry.WithError(cause)
	}
	if count > bruteForceThreshold {
		entry.Error("Repeated authentication failures from client")
	} else {
		entry.Warn("Authentication failure")
	}
}

// FailedAttempts returns a snapshot of authentication failure counts keyed
// by client IP.
func (a *Authenticator) FailedAttempts() map[string]int {
	a.failMu.Lock()
	defer a.failMu.Unlock()
	out := make(map[string]int, len(a.failedAttempts))
	for ip, n := range a.failedAttempts {
		out[ip] = n
	}
	return out
}

// ResetFailures clears the per-IP failure counters.
func (a *Authenticator) ResetFailures() {
	a.failMu.Lock()
	defer a.failMu.Unlock()
	a.failedAttempts = make(map[string]int)
	a.lastFailure = make(map[string]time.Time)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
