package wallet

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/lib/pq"
)

type walletErrResponse struct {
	status int
	code   string
}

func doWalletError(t *testing.T, err error) walletErrResponse {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	writeWalletError(c, err)

	var body struct {
		Error string `json:"error"`
	}
	if jerr := json.Unmarshal(w.Body.Bytes(), &body); jerr != nil {
		t.Fatalf("invalid error response: %v\n%s", jerr, w.Body.String())
	}
	return walletErrResponse{status: w.Code, code: body.Error}
}

func TestAsStoreErr(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		unavailable bool
	}{
		{
			name:        "serialization failure",
			err:         fmt.Errorf("failed to place hold: %w", &pq.Error{Code: "40001"}),
			unavailable: true,
		},
		{
			name:        "deadlock",
			err:         &pq.Error{Code: "40P01"},
			unavailable: true,
		},
		{
			name:        "connection exception",
			err:         fmt.Errorf("failed to debit withdrawal: %w", &pq.Error{Code: "08006"}),
			unavailable: true,
		},
		{
			name:        "bad connection",
			err:         driver.ErrBadConn,
			unavailable: true,
		},
		{
			name:        "check violation passes through",
			err:         &pq.Error{Code: "23514"},
			unavailable: false,
		},
		{
			name:        "domain error passes through",
			err:         ErrInsufficientBalance,
			unavailable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := asStoreErr(tt.err)
			if errors.Is(got, ErrStoreUnavailable) != tt.unavailable {
				t.Errorf("asStoreErr(%v) = %v, unavailable = %v, want %v",
					tt.err, got, !tt.unavailable, tt.unavailable)
			}
			if !tt.unavailable && !errors.Is(got, tt.err) {
				t.Errorf("asStoreErr rewrote a non-transient error: %v", got)
			}
		})
	}
}

func TestIsSerializationConflict(t *testing.T) {
	wrapped := fmt.Errorf("failed to resolve deposit: %w", &pq.Error{Code: "40001"})
	if !isSerializationConflict(wrapped) {
		t.Error("wrapped 40001 not recognized as a conflict")
	}
	if isSerializationConflict(&pq.Error{Code: "23505"}) {
		t.Error("unique violation misclassified as a conflict")
	}
	if isSerializationConflict(nil) {
		t.Error("nil misclassified as a conflict")
	}
}

func TestStoreUnavailableHTTPMapping(t *testing.T) {
	// The handler layer turns a transient store failure into a 503 the
	// caller can retry against.
	err := asStoreErr(fmt.Errorf("failed to place hold: %w", &pq.Error{Code: "40001"}))
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}

	w := doWalletError(t, err)
	if w.status != 503 || w.code != "store_unavailable" {
		t.Errorf("got %d %q, want 503 store_unavailable", w.status, w.code)
	}
}
