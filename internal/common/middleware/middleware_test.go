package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOperatorAuth(t *testing.T) {
	var operator string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operator = GetOperator(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	h := OperatorAuth(map[string]string{"k-oncall": "oncall"})(next)

	tests := []struct {
		name     string
		header   string
		want     int
		operator string
	}{
		{"no credentials", "", http.StatusUnauthorized, ""},
		{"not bearer", "Basic k-oncall", http.StatusUnauthorized, ""},
		{"unknown key", "Bearer nope", http.StatusUnauthorized, ""},
		{"known key", "Bearer k-oncall", http.StatusOK, "oncall"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			operator = ""
			req := httptest.NewRequest(http.MethodPost, "/links/x/cancel", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.operator, operator)
		})
	}
}
