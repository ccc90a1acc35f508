package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestExtractTenantID(t *testing.T) {
	tests := []struct {
		name   string
		header string
		jwt    string
		want   string
	}{
		{"header", "hospital_abc", "", "hospital_abc"},
		{"jwt wins over header", "hospital_abc", "jwt_tenant", "jwt_tenant"},
		{"empty jwt falls through", "hospital_abc", "", "hospital_abc"},
		{"default", "", "", "default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("X-Tenant-ID", tt.header)
			}
			c := e.NewContext(req, httptest.NewRecorder())
			c.Set("jwt_tenant_id", tt.jwt)

			if got := extractTenantID(c, "default"); got != tt.want {
				t.Errorf("extractTenantID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTenantIDPattern(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"abc", true},
		{"hospital_1", true},
		{"A1B2C3", true},
		{"a-b", false},
		{"a.b", false},
		{"a b", false},
		{"'; DROP TABLE", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := tenantIDPattern.MatchString(tt.input); got != tt.valid {
			t.Errorf("tenantIDPattern.MatchString(%q) = %v, want %v", tt.input, got, tt.valid)
		}
	}
}

func TestSchemaName(t *testing.T) {
	if got := SchemaName("city_general"); got != "tenant_city_general" {
		t.Errorf("SchemaName() = %q", got)
	}
}

func TestConnFromContext_Empty(t *testing.T) {
	if q := ConnFromContext(context.Background()); q != nil {
		t.Error("expected nil querier from empty context")
	}
	ctx := context.WithValue(context.Background(), DBConnKey, "not-a-conn")
	if q := ConnFromContext(ctx); q != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestTenantFromContext(t *testing.T) {
	ctx := context.WithValue(context.Background(), TenantIDKey, "test_tenant")
	if tid := TenantFromContext(ctx); tid != "test_tenant" {
		t.Errorf("expected test_tenant, got %s", tid)
	}
	if tid := TenantFromContext(context.Background()); tid != "" {
		t.Errorf("expected empty string, got %s", tid)
	}
}

func TestCreateTenantSchema_InvalidIDs(t *testing.T) {
	for _, id := range []string{"invalid-id!", "tenant.with.dot", "ten ant", "drop;table"} {
		if err := CreateTenantSchema(context.Background(), nil, id, nil); err == nil {
			t.Errorf("expected error for invalid tenant ID %q", id)
		}
	}
}

func TestTxManager_JoinsOpenTransaction(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Fatal("expected nil tx from empty context")
	}
	m := NewTxManager(nil, 0)
	if m.timeout != DefaultTxTimeout {
		t.Errorf("expected default timeout, got %v", m.timeout)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.RunInTx(ctx, func(context.Context) error { return nil }); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestWithTenantConn_RejectsInvalidID(t *testing.T) {
	called := false
	err := WithTenantConn(context.Background(), nil, "bad id", func(context.Context) error {
		called = true
		return nil
	})
	if err == nil {
		t.Fatal("expected error for invalid tenant ID")
	}
	if called {
		t.Error("fn must not run for an invalid tenant")
	}
}
