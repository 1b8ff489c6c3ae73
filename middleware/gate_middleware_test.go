package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/upb/governed-core/models"
	"github.com/upb/governed-core/services"
)

type MockAuthorizer struct {
	mock.Mock
}

func (m *MockAuthorizer) AuthorizeAction(ctx context.Context, rc models.RequestContext, action models.Action) error {
	args := m.Called(ctx, rc, action)
	return args.Error(0)
}

func statusWriter(w http.ResponseWriter, err error) {
	if services.IsAuthorizationError(err) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.WriteHeader(http.StatusInternalServerError)
}

func authedRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	ctx := WithRequestID(req.Context(), "req-1")
	ctx = WithClaims(ctx, testClaims("op-1", "OPERATOR"))
	return req.WithContext(ctx)
}

func TestRequireAction(t *testing.T) {
	logger := zap.NewNop()

	t.Run("allowed action reaches handler", func(t *testing.T) {
		authorizer := new(MockAuthorizer)
		gate := NewGateMiddleware(authorizer, statusWriter, logger)

		authorizer.On("AuthorizeAction", mock.Anything, mock.MatchedBy(func(rc models.RequestContext) bool {
			return rc.RequestID == "req-1" && rc.Actor.ActorID == "op-1" && rc.Actor.Role == "OPERATOR"
		}), models.Action("PUBLISH")).Return(nil)

		called := false
		handler := gate.RequireAction("PUBLISH")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
			w.WriteHeader(http.StatusNoContent)
		}))

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, authedRequest(http.MethodPost, "/catalogue/publish"))

		assert.True(t, called)
		assert.Equal(t, http.StatusNoContent, w.Code)
		authorizer.AssertExpectations(t)
	})

	t.Run("denied action never reaches handler", func(t *testing.T) {
		authorizer := new(MockAuthorizer)
		gate := NewGateMiddleware(authorizer, statusWriter, logger)

		authorizer.On("AuthorizeAction", mock.Anything, mock.Anything, models.Action("PUBLISH")).
			Return(services.NewAuthorizationError("denied"))

		handler := gate.RequireAction("PUBLISH")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not be called")
		}))

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, authedRequest(http.MethodPost, "/catalogue/publish"))

		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("unauthenticated request returns 401", func(t *testing.T) {
		authorizer := new(MockAuthorizer)
		gate := NewGateMiddleware(authorizer, statusWriter, logger)

		handler := gate.RequireAction("PUBLISH")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("handler should not be called")
		}))

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/catalogue/publish", nil))

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		authorizer.AssertNotCalled(t, "AuthorizeAction", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestRequireActionFrom(t *testing.T) {
	authorizer := new(MockAuthorizer)
	gate := NewGateMiddleware(authorizer, statusWriter, zap.NewNop())

	authorizer.On("AuthorizeAction", mock.Anything, mock.Anything, models.Action("PARSE_DOCUMENT")).Return(nil)

	r := chi.NewRouter()
	r.With(gate.RequireActionFrom(func(r *http.Request) models.Action {
		return models.Action(chi.URLParam(r, "action"))
	})).Post("/documents/{action}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, authedRequest(http.MethodPost, "/documents/PARSE_DOCUMENT"))

	assert.Equal(t, http.StatusAccepted, w.Code)
	authorizer.AssertExpectations(t)
}
