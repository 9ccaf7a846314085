package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supervisor-escalation/pkg/models"
)

func TestParseLimit(t *testing.T) {
	tests := []struct {
		query   string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"?limit=25", 25, false},
		{"?limit=-3", -3, false},
		{"?limit=many", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/requests"+tt.query, nil)
			got, err := parseLimit(r)
			if tt.wantErr {
				assert.True(t, models.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWriteError(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests
	h := &Handler{logger: logger}

	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"validation", &models.ValidationError{Field: "question", Reason: "must not be empty"}, http.StatusBadRequest, "invalid question: must not be empty"},
		{"not found", models.ErrNotFound, http.StatusNotFound, "not found"},
		{"wrapped conflict", fmt.Errorf("%w: abc is resolved", models.ErrAlreadyResolved), http.StatusConflict, "help request already resolved: abc is resolved"},
		{"store", &models.StoreError{Op: "list help requests", Err: errors.New("dial tcp: refused")}, http.StatusInternalServerError, "store unavailable"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.writeError(rec, httptest.NewRequest("GET", "/", nil), tt.err)

			assert.Equal(t, tt.status, rec.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.message, body["error"])
		})
	}
}
