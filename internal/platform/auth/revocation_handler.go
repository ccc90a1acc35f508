package auth

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

type revokeTokenRequest struct {
	JTI       string    `json:"jti"`
	ExpiresAt time.Time `json:"expires_at"`
}

type revokeUserRequest struct {
	UserID string `json:"user_id"`
}

// RegisterRevocationRoutes mounts POST /auth/revoke and /auth/revoke-user
// for administrators.
func RegisterRevocationRoutes(g *echo.Group, store Revocations) {
	ag := g.Group("/auth", RequireRole(RoleAdmin))
	ag.POST("/revoke", handleRevokeToken(store))
	ag.POST("/revoke-user", handleRevokeUser(store))
}

func handleRevokeToken(store Revocations) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req revokeTokenRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if req.JTI == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "jti is required")
		}
		if req.ExpiresAt.IsZero() {
			req.ExpiresAt = time.Now().Add(time.Hour)
		}
		if err := store.Revoke(c.Request().Context(), req.JTI, req.ExpiresAt); err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "revocation store unavailable")
		}
		return c.NoContent(http.StatusNoContent)
	}
}

// handleRevokeUser invalidates every token issued to the user so far.
func handleRevokeUser(store Revocations) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req revokeUserRequest
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if req.UserID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "user_id is required")
		}
		if err := store.RevokeUser(c.Request().Context(), req.UserID, time.Now()); err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "revocation store unavailable")
		}
		return c.NoContent(http.StatusNoContent)
	}
}
