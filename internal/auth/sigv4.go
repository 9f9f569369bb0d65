// Package auth implements AWS Signature Version 4 verification for the S3
// API surface: canonical request construction, signing key derivation,
// streaming chunk validation with optional trailer checksums, and the
// credential store the authenticator resolves principals against.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

const (
	// SigningAlgorithm is the only authorization scheme accepted.
	SigningAlgorithm = "AWS4-HMAC-SHA256"

	aws4Request    = "aws4_request"
	signingService = "s3"
	secretPrefix   = "AWS4"

	// TimeFormat is the x-amz-date layout, DateFormat the credential-scope
	// date layout.
	TimeFormat = "20060102T150405Z"
	DateFormat = "20060102"

	// Payload hash sentinels carried in x-amz-content-sha256.
	UnsignedPayload                 = "UNSIGNED-PAYLOAD"
	StreamingPayload                = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD"
	StreamingPayloadTrailer         = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD-TRAILER"
	StreamingUnsignedPayloadTrailer = "STREAMING-UNSIGNED-PAYLOAD-TRAILER"

	// EmptyPayloadHash is the SHA-256 of zero bytes.
	EmptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
)

// encodeRFC3986 percent-encodes every byte outside the SigV4 unreserved set
// {A-Z a-z 0-9 - . _ ~}. Encoding operates on the UTF-8 bytes, uppercase hex.
func encodeRFC3986(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		default:
			b.WriteString(fmt.Sprintf("%%%02X", c))
		}
	}
	return b.String()
}

// canonicalURI encodes the request path segment by segment, preserving empty
// segments and the leading slash. The input is the escaped path as the client
// sent it, so a %2F inside a key segment survives instead of collapsing into
// a path separator.
func canonicalURI(escapedPath string) string {
	if escapedPath == "" {
		return "/"
	}
	segments := strings.Split(escapedPath, "/")
	for i, seg := range segments {
		if dec, err := url.PathUnescape(seg); err == nil {
			seg = dec
		}
		segments[i] = encodeRFC3986(seg)
	}
	uri := strings.Join(segments, "/")
	if !strings.HasPrefix(uri, "/") {
		uri = "/" + uri
	}
	return uri
}

// canonicalQuery encodes and sorts the query parameters by encoded key, then
// encoded value. Sorting joined "k=v" strings would misorder keys that are a
// prefix of one another, since "=" outranks some unreserved bytes. The "=" is
// emitted even for empty values.
func canonicalQuery(values url.Values) string {
	type pair struct {
		key   string
		value string
	}
	pairs := make([]pair, 0, len(values))
	for key, vs := range values {
		encKey := encodeRFC3986(key)
		for _, v := range vs {
			pairs = append(pairs, pair{key: encKey, value: encodeRFC3986(v)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key != pairs[j].key {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].value < pairs[j].value
	})

	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.key + "=" + p.value
	}
	return strings.Join(parts, "&")
}

// canonicalHeaders renders "name:trimmed-value\n" for each signed header in
// ordinal order. Multiple values join with commas. The Host header falls back
// to r.Host since net/http strips it from the header map.
func canonicalHeaders(r *http.Request, signedHeaders []string) (string, error) {
	names := make([]string, len(signedHeaders))
	for i, h := range signedHeaders {
		names[i] = strings.ToLower(h)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		var values []string
		if name == "host" {
			values = []string{r.Host}
		} else if name == "content-length" && r.Header.Get("Content-Length") == "" {
			values = []string{fmt.Sprintf("%d", r.ContentLength)}
		} else {
			values = r.Header.Values(name)
		}
		if len(values) == 0 {
			return "", fmt.Errorf("signed header %q not present in request", name)
		}
		trimmed := make([]string, len(values))
		for i, v := range values {
			trimmed[i] = strings.TrimSpace(v)
		}
		b.WriteString(name)
		b.WriteString(":")
		b.WriteString(strings.Join(trimmed, ","))
		b.WriteString("\n")
	}
	return b.String(), nil
}

// BuildCanonicalRequest assembles the six canonical request lines for
// signature verification. payloadHash is either the hex content digest or
// one of the sentinels.
func BuildCanonicalRequest(r *http.Request, signedHeaders []string, payloadHash string) (string, error) {
	headers, err := canonicalHeaders(r, signedHeaders)
	if err != nil {
		return "", err
	}
	lowered := make([]string, len(signedHeaders))
	for i, h := range signedHeaders {
		lowered[i] = strings.ToLower(h)
	}
	sort.Strings(lowered)

	return strings.Join([]string{
		r.Method,
		canonicalURI(r.URL.EscapedPath()),
		canonicalQuery(r.URL.Query()),
		headers,
		strings.Join(lowered, ";"),
		payloadHash,
	}, "\n"), nil
}

// StringToSign hashes the canonical request into the final signing input.
func StringToSign(amzDate, credentialScope, canonicalRequest string) string {
	sum := sha256.Sum256([]byte(canonicalRequest))
	return strings.Join([]string{
		SigningAlgorithm,
		amzDate,
		credentialScope,
		hex.EncodeToString(sum[:]),
	}, "\n")
}

// DeriveSigningKey runs the SigV4 HMAC chain over secret, date, region,
// service, and terminator.
func DeriveSigningKey(secret, date, region string) []byte {
	kDate := hmacSHA256([]byte(secretPrefix+secret), []byte(date))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte(signingService))
	return hmacSHA256(kService, []byte(aws4Request))
}

// SignHex signs data with key and returns the lowercase hex signature.
func SignHex(key []byte, data string) string {
	return hex.EncodeToString(hmacSHA256(key, []byte(data)))
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}
