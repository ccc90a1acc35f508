package auth

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestResolveBranchID(t *testing.T) {
	b1, b2, other := uuid.New(), uuid.New(), uuid.New()

	tests := []struct {
		name      string
		p         Principal
		requested uuid.UUID
		want      uuid.UUID
		wantErr   error
	}{
		{"member branch", Principal{UserID: "u", BranchIDs: []uuid.UUID{b1, b2}}, b2, b2, nil},
		{"single branch default", Principal{UserID: "u", BranchIDs: []uuid.UUID{b1}}, uuid.Nil, b1, nil},
		{"ambiguous default", Principal{UserID: "u", BranchIDs: []uuid.UUID{b1, b2}}, uuid.Nil, uuid.Nil, ErrBranchRequired},
		{"foreign branch", Principal{UserID: "u", BranchIDs: []uuid.UUID{b1}}, other, uuid.Nil, ErrForbidden},
		{"admin any branch", Principal{UserID: "u", Roles: []string{RoleAdmin}}, other, other, nil},
		{"anonymous", Principal{}, b1, uuid.Nil, ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveBranchID(tt.p, tt.requested)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ResolveBranchID() = %s, want %s", got, tt.want)
			}
		})
	}
}
