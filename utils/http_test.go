package utils

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteJSON(t *testing.T) {
	t.Run("successful write", func(t *testing.T) {
		w := httptest.NewRecorder()
		data := map[string]string{"message": "test"}

		err := WriteJSON(w, http.StatusOK, data)
		require.NoError(t, err)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response map[string]string
		err = json.NewDecoder(w.Body).Decode(&response)
		require.NoError(t, err)
		assert.Equal(t, "test", response["message"])
	})

	t.Run("nil data", func(t *testing.T) {
		w := httptest.NewRecorder()

		err := WriteJSON(w, http.StatusNoContent, nil)
		require.NoError(t, err)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Empty(t, w.Body.String())
	})
}

func TestWriteCreated(t *testing.T) {
	w := httptest.NewRecorder()

	err := WriteCreated(w, map[string]string{"shipmentId": "123"})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, w.Code)

	var response SuccessResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	dataMap := response.Data.(map[string]interface{})
	assert.Equal(t, "123", dataMap["shipmentId"])
}

func TestErrorWriters(t *testing.T) {
	tests := []struct {
		name      string
		write     func(w http.ResponseWriter) error
		status    int
		errorType string
		code      string
		message   string
	}{
		{
			name:      "bad request",
			write:     func(w http.ResponseWriter) error { return WriteBadRequest(w, "VALIDATION_FAILED", "bad hs code", nil) },
			status:    http.StatusBadRequest,
			errorType: "bad_request",
			code:      "VALIDATION_FAILED",
			message:   "bad hs code",
		},
		{
			name:      "unauthorized default message",
			write:     func(w http.ResponseWriter) error { return WriteUnauthorized(w, "") },
			status:    http.StatusUnauthorized,
			errorType: "unauthorized",
			code:      "UNAUTHORIZED",
			message:   "Authentication required",
		},
		{
			name:      "forbidden",
			write:     func(w http.ResponseWriter) error { return WriteForbidden(w, "AUTH_DENIED", "nope", nil) },
			status:    http.StatusForbidden,
			errorType: "forbidden",
			code:      "AUTH_DENIED",
			message:   "nope",
		},
		{
			name:      "not found default message",
			write:     func(w http.ResponseWriter) error { return WriteNotFound(w, "") },
			status:    http.StatusNotFound,
			errorType: "not_found",
			code:      "NOT_FOUND",
			message:   "Resource not found",
		},
		{
			name:      "conflict",
			write:     func(w http.ResponseWriter) error { return WriteConflict(w, "LEDGER_INTEGRITY", "tampered", nil) },
			status:    http.StatusConflict,
			errorType: "conflict",
			code:      "LEDGER_INTEGRITY",
			message:   "tampered",
		},
		{
			name:      "not implemented",
			write:     func(w http.ResponseWriter) error { return WriteNotImplemented(w, "") },
			status:    http.StatusNotImplemented,
			errorType: "not_implemented",
			code:      "NOT_IMPLEMENTED",
			message:   "Not implemented",
		},
		{
			name:      "service unavailable",
			write:     func(w http.ResponseWriter) error { return WriteServiceUnavailable(w, "LEDGER_WRITE_FAILED", "") },
			status:    http.StatusServiceUnavailable,
			errorType: "service_unavailable",
			code:      "LEDGER_WRITE_FAILED",
			message:   "Service unavailable",
		},
		{
			name:      "internal",
			write:     func(w http.ResponseWriter) error { return WriteInternalServerError(w, "") },
			status:    http.StatusInternalServerError,
			errorType: "internal_error",
			code:      "INTERNAL",
			message:   "Internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			require.NoError(t, tt.write(w))

			assert.Equal(t, tt.status, w.Code)

			var response ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.errorType, response.Error)
			assert.Equal(t, tt.code, response.Code)
			assert.Equal(t, tt.message, response.Message)
		})
	}
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		status            int
		expectedErrorType string
	}{
		{http.StatusBadRequest, "bad_request"},
		{http.StatusUnauthorized, "unauthorized"},
		{http.StatusForbidden, "forbidden"},
		{http.StatusNotFound, "not_found"},
		{http.StatusConflict, "conflict"},
		{http.StatusNotImplemented, "not_implemented"},
		{http.StatusServiceUnavailable, "service_unavailable"},
		{http.StatusTeapot, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			w := httptest.NewRecorder()
			require.NoError(t, WriteError(w, tt.status, "msg", nil))

			assert.Equal(t, tt.status, w.Code)
			var response ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.expectedErrorType, response.Error)
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Action string `json:"action"`
	}

	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"action":"PUBLISH"}`, false},
		{"empty", ``, true},
		{"unknown field", `{"action":"PUBLISH","role":"ADMIN"}`, true},
		{"trailing object", `{"action":"A"}{"action":"B"}`, true},
		{"malformed", `{"action":`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var p payload
			err := DecodeJSON(r, &p)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "PUBLISH", p.Action)
		})
	}
}

func TestQueryInt64(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/?from=3&to=x", nil)

	v, err := QueryInt64(r, "from", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	v, err = QueryInt64(r, "limit", 50)
	require.NoError(t, err)
	assert.Equal(t, int64(50), v)

	_, err = QueryInt64(r, "to", 0)
	assert.Error(t, err)
}
