package middleware

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/governed-core/models"
	"github.com/upb/governed-core/services/authz"
	"github.com/upb/governed-core/utils"
)

// ErrorWriter renders a service error as an HTTP response
type ErrorWriter func(w http.ResponseWriter, err error)

// GateMiddleware puts an authorization decision in front of extension
// routes. Extensions never call the gate themselves; the route declares the
// action it performs and the middleware authorizes it.
type GateMiddleware struct {
	authorizer authz.Authorizer
	writeError ErrorWriter
	logger     *zap.Logger
}

// NewGateMiddleware creates a new GateMiddleware
func NewGateMiddleware(authorizer authz.Authorizer, writeError ErrorWriter, logger *zap.Logger) *GateMiddleware {
	return &GateMiddleware{
		authorizer: authorizer,
		writeError: writeError,
		logger:     logger,
	}
}

// RequireAction authorizes a fixed action. Must run after RequireAuth.
func (m *GateMiddleware) RequireAction(action models.Action) func(http.Handler) http.Handler {
	return m.RequireActionFrom(func(*http.Request) models.Action { return action })
}

// RequireActionFrom authorizes the action resolved from the request
func (m *GateMiddleware) RequireActionFrom(resolve func(r *http.Request) models.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			rc, ok := GetRequestContext(ctx)
			if !ok {
				m.logger.Error("claims not found in context",
					zap.String("request_id", GetRequestIDFromContext(ctx)))
				_ = utils.WriteUnauthorized(w, "Authentication required")
				return
			}

			action := resolve(r)
			if err := m.authorizer.AuthorizeAction(ctx, rc, action); err != nil {
				m.writeError(w, err)
				return
			}

			m.logger.Debug("action authorized",
				zap.String("request_id", rc.RequestID),
				zap.String("action", string(action)))

			next.ServeHTTP(w, r)
		})
	}
}
