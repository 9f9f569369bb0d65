package middleware

import (
	"context"
	"net/http"

	"github.com/lamina-storage/lamina/internal/auth"
	"github.com/lamina-storage/lamina/internal/monitoring"
	"github.com/lamina-storage/lamina/internal/s3err"
	"github.com/lamina-storage/lamina/internal/server/response"
	"github.com/lamina-storage/lamina/internal/storage"
)

type contextKey int

const authContextKey contextKey = iota

// WithRequestAuth stores the authentication result in the request context.
func WithRequestAuth(ctx context.Context, ra *auth.RequestAuth) context.Context {
	return context.WithValue(ctx, authContextKey, ra)
}

// RequestAuthFrom retrieves the authentication result, or nil when the
// request never passed the auth middleware.
func RequestAuthFrom(ctx context.Context) *auth.RequestAuth {
	ra, _ := ctx.Value(authContextKey).(*auth.RequestAuth)
	return ra
}

// Authorize checks whether the authenticated principal may perform perm on
// bucket. Requests without a principal (open mode) are always allowed.
func Authorize(r *http.Request, bucket string, perm auth.Permission) error {
	ra := RequestAuthFrom(r.Context())
	if ra == nil || ra.Principal == nil {
		return nil
	}
	if !ra.Principal.Allowed(bucket, perm) {
		return s3err.ErrAccessDenied
	}
	return nil
}

// OwnerFrom derives the object owner from the authenticated principal, nil in
// open mode.
func OwnerFrom(r *http.Request) *storage.Owner {
	ra := RequestAuthFrom(r.Context())
	if ra == nil || ra.Principal == nil {
		return nil
	}
	return &storage.Owner{
		ID:          ra.Principal.AccessKeyID,
		DisplayName: ra.Principal.DisplayName,
	}
}

// Auth verifies request signatures before any handler runs.
type Auth struct {
	authenticator *auth.Authenticator
	errors        *response.ErrorWriter
}

// NewAuth creates the authentication middleware.
func NewAuth(authenticator *auth.Authenticator, errors *response.ErrorWriter) *Auth {
	return &Auth{
		authenticator: authenticator,
		errors:        errors,
	}
}

// Middleware returns the HTTP middleware function
func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ra, err := a.authenticator.Authenticate(r)
		if err != nil {
			monitoring.RecordAuthFailure(s3err.From(err).Code)
			a.errors.WriteError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithRequestAuth(r.Context(), ra)))
	})
}
