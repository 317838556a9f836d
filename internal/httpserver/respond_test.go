package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wisbric/storeforge/internal/apperror"
)

func TestRespond_MergesDataAndRequestID(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(context.WithValue(r.Context(), requestIDKey, "req-1"))
	w := httptest.NewRecorder()

	Respond(w, r, http.StatusOK, map[string]any{"id": "store-abc"})

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshaling body: %v", err)
	}
	if body["requestId"] != "req-1" {
		t.Errorf("requestId = %v, want %q", body["requestId"], "req-1")
	}
	if body["id"] != "store-abc" {
		t.Errorf("id = %v, want %q", body["id"], "store-abc")
	}
}

func TestRespond_NilData(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	Respond(w, r, http.StatusNoContent, nil)

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshaling body: %v", err)
	}
	if _, ok := body["data"]; ok {
		t.Error("expected no data key when data is nil")
	}
}

func TestRespondAppError_KnownError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	RespondAppError(w, r, logger, apperror.StoreNotFound("store-abc"))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}

	var body errorEnvelope
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshaling body: %v", err)
	}
	if body.Error.Code != "STORE_NOT_FOUND" {
		t.Errorf("error code = %q, want %q", body.Error.Code, "STORE_NOT_FOUND")
	}
}

func TestRespondAppError_UnknownErrorMapsToInternal(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	RespondAppError(w, r, logger, errors.New("boom"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}

	var body errorEnvelope
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshaling body: %v", err)
	}
	if body.Error.Code != "INTERNAL_ERROR" {
		t.Errorf("error code = %q, want %q", body.Error.Code, "INTERNAL_ERROR")
	}
}
