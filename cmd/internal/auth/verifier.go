package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/NureBureikoNataliia/LangMate/cmd/internal/chat"
)

// DefaultUserHeader is the header HeaderVerifier trusts by default.
const DefaultUserHeader = "X-User-ID"

// Claims is the identity resolved for one request.
type Claims struct {
	UserID    string
	ExpiresAt time.Time
}

// Verifier authenticates an incoming request.
type Verifier interface {
	Authenticate(r *http.Request) (Claims, error)
}

// HeaderVerifier trusts a user id header set by an upstream gateway.
type HeaderVerifier struct {
	Header string
}

func (v HeaderVerifier) Authenticate(r *http.Request) (Claims, error) {
	name := v.Header
	if name == "" {
		name = DefaultUserHeader
	}
	uid, ok := chat.NormalizeUserID(r.Header.Get(name))
	if !ok {
		return Claims{}, ErrUnauthenticated
	}
	return Claims{UserID: uid}, nil
}

// BearerToken extracts the access token from the Authorization header.
// Browsers cannot set headers on WebSocket handshakes, so the access_token
// query parameter is accepted as a fallback.
func BearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

type ctxKey struct{}

// WithClaims stores c on ctx.
func WithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// FromContext returns the claims stored by Require.
func FromContext(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(Claims)
	return c, ok && c.UserID != ""
}

// Require rejects unauthenticated requests with 401 and stores the claims for next.
// onFail writes the rejection; a nil onFail writes a bare 401.
func Require(v Verifier, onFail func(http.ResponseWriter, *http.Request, error), next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := v.Authenticate(r)
		if err != nil {
			if onFail != nil {
				onFail(w, r, err)
				return
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), c)))
	})
}
