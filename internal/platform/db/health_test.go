package db

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestRunChecks_CollectsAllResults(t *testing.T) {
	results := RunChecks(context.Background(), map[string]Check{
		"redis":    func(context.Context) error { return errors.New("connection refused") },
		"postgres": func(context.Context) error { return nil },
	})

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Name != "postgres" || !results[0].OK {
		t.Errorf("unexpected postgres result: %+v", results[0])
	}
	if results[1].Name != "redis" || results[1].OK || results[1].Error != "connection refused" {
		t.Errorf("unexpected redis result: %+v", results[1])
	}
}

func TestReadyHandler(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]Check
		want   int
	}{
		{"all ok", map[string]Check{"postgres": func(context.Context) error { return nil }}, http.StatusOK},
		{"one failing", map[string]Check{
			"postgres": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("down") },
		}, http.StatusServiceUnavailable},
		{"no checks", map[string]Check{}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health/ready", nil), rec)

			if err := ReadyHandler(tt.checks)(c); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
			var body map[string]interface{}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if _, ok := body["checks"]; !ok {
				t.Error("expected checks in body")
			}
		})
	}
}
