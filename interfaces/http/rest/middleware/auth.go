package middleware

import (
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"graphcollab/pkg/auth"
	apperrors "graphcollab/pkg/errors"
)

// AuthOptions configures Authenticate
type AuthOptions struct {
	// TrustGateway accepts the identity headers an API Gateway JWT
	// authorizer sets, for Lambda deployments
	TrustGateway bool
	// RequestsPerSecond and Burst bound each user; zero disables the limit
	RequestsPerSecond float64
	Burst             int
}

// Authenticate resolves the caller from a bearer token (or trusted gateway
// headers) and stores it in the request context
func Authenticate(validator *auth.Validator, opts AuthOptions, errs *apperrors.ErrorHandler, logger *zap.Logger) func(next http.Handler) http.Handler {
	limiter := newUserLimiter(opts.RequestsPerSecond, opts.Burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := resolveUser(r, validator, opts.TrustGateway)
			if err != nil {
				logger.Debug("Request not authenticated",
					zap.String("path", r.URL.Path),
					zap.Error(err),
				)
				errs.Handle(w, r, err)
				return
			}

			if !limiter.allow(user.UserID) {
				errs.Handle(w, r, apperrors.NewRateLimitError(int(opts.RequestsPerSecond), "second"))
				return
			}

			next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
		})
	}
}

func resolveUser(r *http.Request, validator *auth.Validator, trustGateway bool) (*auth.UserContext, error) {
	if trustGateway && r.Header.Get("X-API-Gateway-Authorized") == "true" {
		userID := r.Header.Get("X-User-ID")
		if userID == "" {
			return nil, apperrors.NewUnauthorizedError("missing user context from API Gateway")
		}
		var roles []string
		if v := r.Header.Get("X-User-Roles"); v != "" {
			roles = strings.Split(v, ",")
		}
		return &auth.UserContext{UserID: userID, Email: r.Header.Get("X-User-Email"), Roles: roles}, nil
	}
	if validator == nil {
		return nil, apperrors.NewUnauthorizedError("token authentication is not configured")
	}
	return validator.Validate(auth.TokenFromRequest(r))
}

// userLimiter holds one token bucket per user
type userLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func newUserLimiter(perSecond float64, burst int) *userLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = max(1, int(perSecond))
	}
	return &userLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (l *userLimiter) allow(userID string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[userID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
