package notification

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/bloodbank/bloodbank/internal/platform/auth"
)

const DefaultFeedCapacity = 200

// Feed keeps the most recent notices per branch in memory so the bench UI
// can poll for alerts without a subscriber of its own.
type Feed struct {
	mu       sync.RWMutex
	capacity int
	byBranch map[uuid.UUID][]Notice
}

func NewFeed(capacity int) *Feed {
	if capacity <= 0 {
		capacity = DefaultFeedCapacity
	}
	return &Feed{capacity: capacity, byBranch: make(map[uuid.UUID][]Notice)}
}

func (f *Feed) Notify(_ context.Context, n Notice) error {
	n = stamp(n)
	f.mu.Lock()
	defer f.mu.Unlock()
	list := append(f.byBranch[n.BranchID], n)
	if len(list) > f.capacity {
		list = list[len(list)-f.capacity:]
	}
	f.byBranch[n.BranchID] = list
	return nil
}

// Recent returns up to limit notices for the branch, newest first. When
// minSeverity is set, lower severities are skipped.
func (f *Feed) Recent(branchID uuid.UUID, minSeverity Severity, limit int) []Notice {
	f.mu.RLock()
	defer f.mu.RUnlock()

	list := f.byBranch[branchID]
	out := make([]Notice, 0, min(limit, len(list)))
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		if severityRank(list[i].Severity) < severityRank(minSeverity) {
			continue
		}
		out = append(out, list[i])
	}
	return out
}

func severityRank(s Severity) int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	default:
		return 0
	}
}

// -- HTTP --

type FeedHandler struct {
	feed *Feed
}

func NewFeedHandler(feed *Feed) *FeedHandler {
	return &FeedHandler{feed: feed}
}

func (h *FeedHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/notices", h.List)
}

// List handles GET /notices?severity=&limit= for the caller's branch.
func (h *FeedHandler) List(c echo.Context) error {
	var requested uuid.UUID
	if raw := c.Request().Header.Get("X-Branch-ID"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid X-Branch-ID")
		}
		requested = id
	}

	branchID, err := auth.ResolveBranchID(auth.PrincipalFromContext(c.Request().Context()), requested)
	if err != nil {
		if errors.Is(err, auth.ErrBranchRequired) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	}

	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > DefaultFeedCapacity {
		limit = 50
	}
	return c.JSON(http.StatusOK, h.feed.Recent(branchID, Severity(c.QueryParam("severity")), limit))
}
