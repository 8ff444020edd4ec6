package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
		want     int
	}{
		{"not found", fmt.Errorf("get connection: %w", ErrNotFound), CodeNotFound, http.StatusNotFound},
		{"in progress", ErrSyncInProgress, CodeSyncInProgress, http.StatusConflict},
		{"ineligible", &IneligibleConnectionError{ConnectionID: "c1"}, CodeIneligible, http.StatusConflict},
		{"validation", &ValidationError{Field: "to", Reason: "empty"}, CodeValidationFailed, http.StatusBadRequest},
		{"auth", &AuthError{Op: "refresh", Status: 400, Code: "invalid_grant"}, CodeAuthFailed, http.StatusUnauthorized},
		{"provider wrapped", fmt.Errorf("sync inbox: %w", &ProviderError{Op: "list", Status: 500}), CodeProviderError, http.StatusBadGateway},
		{"store", Store("upsert", errors.New("disk full")), CodeStoreError, http.StatusInternalServerError},
		{"unknown", errors.New("boom"), CodeInternalError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
			if got := Code(tt.err); got != tt.wantCode {
				t.Errorf("Code() = %s, want %s", got, tt.wantCode)
			}
		})
	}
}

func TestStoreDoesNotDoubleWrap(t *testing.T) {
	inner := Store("update tokens", errors.New("locked"))
	outer := Store("sync", inner)
	if outer != inner {
		t.Fatalf("expected the same StoreError, got %v", outer)
	}
	if Store("noop", nil) != nil {
		t.Fatal("expected nil for nil error")
	}
}

func TestErrorMessagesCarryUpstreamBody(t *testing.T) {
	ae := &AuthError{Op: "exchange", Status: 400, Code: "invalid_grant", Body: `{"error":"invalid_grant"}`}
	if !strings.Contains(ae.Error(), `{"error":"invalid_grant"}`) {
		t.Errorf("auth error message lost body: %s", ae.Error())
	}
	pe := &ProviderError{Op: "list_messages", Status: 404, Body: "folder not found"}
	if !strings.Contains(pe.Error(), "404") || !strings.Contains(pe.Error(), "folder not found") {
		t.Errorf("provider error message incomplete: %s", pe.Error())
	}
	if !IsAuth(fmt.Errorf("wrap: %w", ae)) || IsAuth(pe) {
		t.Error("IsAuth misclassified")
	}
	if !IsProvider(fmt.Errorf("wrap: %w", pe)) || IsProvider(ae) {
		t.Error("IsProvider misclassified")
	}
}
