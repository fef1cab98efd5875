package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/2beens/usermgmt/internal/apperr"
	"github.com/2beens/usermgmt/internal/auth"
	"github.com/2beens/usermgmt/internal/telemetry/metrics"
	"github.com/2beens/usermgmt/internal/telemetry/tracing"
	"github.com/2beens/usermgmt/internal/users"
)

const (
	msgAuthRequired  = "Authentication required"
	msgInvalidToken  = "Invalid token"
	msgAdminRequired = "Admin access required"
)

//go:generate mockgen -source=$GOFILE -destination=auth_mocks_test.go -package=middleware_test

type tokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

type userResolver interface {
	Get(ctx context.Context, id uuid.UUID) (*users.User, error)
}

// AuthGate admits requests carrying a valid session token whose user still
// exists, and attaches that user and the token claims to the context.
type AuthGate struct {
	tokens  tokenVerifier
	users   userResolver
	metrics *metrics.Manager
}

func NewAuthGate(tokens tokenVerifier, users userResolver, metrics *metrics.Manager) *AuthGate {
	return &AuthGate{
		tokens:  tokens,
		users:   users,
		metrics: metrics,
	}
}

func (g *AuthGate) Check(r *http.Request) Decision {
	ctx, span := tracing.GlobalTracer.Start(r.Context(), "middleware.auth_gate")
	defer span.End()

	token := TokenFromRequest(r)
	if token == "" {
		log.Tracef("[missing token] [auth gate] unauthorized => %s", r.URL.Path)
		span.SetStatus(codes.Error, "missing-token")
		return g.reject("missing-token", apperr.Authentication(msgAuthRequired, nil))
	}

	claims, err := g.tokens.Verify(token)
	if err != nil {
		log.Tracef("[invalid token] [auth gate] unauthorized => %s: %s", r.URL.Path, err)
		span.SetStatus(codes.Error, "invalid-token")
		return g.reject("invalid-token", apperr.Authentication(msgInvalidToken, err))
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil {
		span.SetStatus(codes.Error, "invalid-user-id")
		return g.reject("invalid-token", apperr.Authentication(msgInvalidToken, err))
	}
	span.SetAttributes(attribute.String("user.id", userID.String()))

	user, err := g.users.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, users.ErrUserNotFound) {
			span.SetStatus(codes.Error, "unknown-user")
			return g.reject("unknown-user", apperr.Authentication(msgInvalidToken, err))
		}
		span.SetStatus(codes.Error, "resolve-user")
		span.RecordError(err)
		return Reject(apperr.Internal("Internal server error", err))
	}

	span.SetStatus(codes.Ok, "ok")
	authCtx := auth.WithClaims(r.Context(), claims)
	return Allow(users.WithUser(authCtx, user))
}

func (g *AuthGate) reject(reason string, err *apperr.Error) Decision {
	if g.metrics != nil {
		g.metrics.CounterAuthRejections.WithLabelValues(reason).Inc()
	}
	return Reject(err)
}

// RequireAdmin admits only users whose stored record is admin. It relies on
// the AuthGate having run before it.
func RequireAdmin(metricsManager *metrics.Manager) Guard {
	return GuardFunc(func(r *http.Request) Decision {
		user, ok := users.FromContext(r.Context())
		if !ok {
			return Reject(apperr.Authentication(msgAuthRequired, errors.New("role gate without resolved user")))
		}
		if !user.IsAdmin {
			log.Debugf("[role gate] user [%s] is not admin => %s", user.ID, r.URL.Path)
			if metricsManager != nil {
				metricsManager.CounterAuthRejections.WithLabelValues("not-admin").Inc()
			}
			return Reject(apperr.Authorization(msgAdminRequired))
		}
		return Allow(r.Context())
	})
}

// TokenFromRequest returns the bearer token from the Authorization header,
// falling back to the session cookie.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, found := strings.Cut(header, " ")
		if found && strings.EqualFold(scheme, "Bearer") {
			if token = strings.TrimSpace(token); token != "" {
				return token
			}
		}
	}

	cookie, err := r.Cookie(auth.SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}
