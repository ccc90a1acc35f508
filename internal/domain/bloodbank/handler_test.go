package bloodbank

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bloodbank/bloodbank/internal/platform/auth"
)

func withPrincipal(req *http.Request, p auth.Principal) *http.Request {
	branches := make([]string, len(p.BranchIDs))
	for i, b := range p.BranchIDs {
		branches[i] = b.String()
	}
	return req.WithContext(auth.WithIdentity(req.Context(), p.UserID, p.Roles, branches))
}

func newHandlerContext(p auth.Principal, method, body string, id ...string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, "/", nil)
	} else {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	req = withPrincipal(req, p)
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	if len(id) > 0 {
		c.SetParamNames("id")
		c.SetParamValues(id[0])
	}
	return c, rec
}

// status is the code the client sees, whether the handler wrote a body or
// returned an HTTP error for the framework to render.
func status(t *testing.T, err error, rec *httptest.ResponseRecorder) int {
	t.Helper()
	if err == nil {
		return rec.Code
	}
	var he *echo.HTTPError
	require.True(t, errors.As(err, &he), "unexpected error: %v", err)
	return he.Code
}

func TestHandler_RegisterUnit(t *testing.T) {
	h := newHarness(t)
	handler := NewHandler(h.svc)

	c, rec := newHandlerContext(h.lab, http.MethodPost, `{"component":"PRBC","blood_group":"A_POS","volume_ml":350}`)
	err := handler.RegisterUnit(c)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, rec.Code)
	var u BloodUnit
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &u))
	assert.Equal(t, StatusCollected, u.Status)
	assert.Equal(t, h.branch, u.BranchID)

	c, rec = newHandlerContext(h.lab, http.MethodPost, `{"component":"PLASMA_X","volume_ml":350}`)
	assert.Equal(t, http.StatusBadRequest, status(t, handler.RegisterUnit(c), rec))
}

func TestHandler_GetUnit(t *testing.T) {
	h := newHarness(t)
	handler := NewHandler(h.svc)
	u := h.seedUnit(t, GroupONeg, ComponentPRBC, 5*day)

	c, rec := newHandlerContext(h.nurse, http.MethodGet, "", u.ID.String())
	require.NoError(t, handler.GetUnit(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	c, rec = newHandlerContext(h.nurse, http.MethodGet, "", uuid.New().String())
	assert.Equal(t, http.StatusNotFound, status(t, handler.GetUnit(c), rec))

	c, rec = newHandlerContext(h.nurse, http.MethodGet, "", "not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, status(t, handler.GetUnit(c), rec))

	c, rec = newHandlerContext(h.nurse, http.MethodGet, "", u.ID.String())
	c.Request().Header.Set(BranchHeader, h.other.String())
	assert.Equal(t, http.StatusForbidden, status(t, handler.GetUnit(c), rec))

	admin := auth.Principal{UserID: "admin-1", Roles: []string{auth.RoleAdmin}}
	c, rec = newHandlerContext(admin, http.MethodGet, "", u.ID.String())
	assert.Equal(t, http.StatusBadRequest, status(t, handler.GetUnit(c), rec), "an admin must name a branch")
}

func TestHandler_IssueGateFailureListsReasons(t *testing.T) {
	h := newHarness(t)
	handler := NewHandler(h.svc)
	r := h.readyRequest(t, GroupAPos, ComponentPRBC, 1)
	u := h.seedUnit(t, GroupAPos, ComponentPRBC, 5*day)
	xm, err := h.svc.CrossMatch(h.ctx, h.lab, uuid.Nil, CrossMatchInput{RequestID: r.ID, UnitID: u.ID, Result: XMCompatible})
	require.NoError(t, err)
	h.clock.Advance(73 * time.Hour)

	c, rec := newHandlerContext(h.lab, http.MethodPost, `{"cross_match_id":"`+xm.ID.String()+`","issued_to":"Ward 2"}`)
	require.NoError(t, handler.IssueUnit(c))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var body gateBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, u.ID, body.UnitID)
	require.Len(t, body.Reasons, 2)
	assert.Equal(t, CodeXMExpired, body.Reasons[0].Code)
	assert.Equal(t, CodeXMStale, body.Reasons[1].Code)
}

func TestHandler_EmergencyReleaseShortfall(t *testing.T) {
	h := newHarness(t)
	handler := NewHandler(h.svc)
	h.seedUnit(t, GroupONeg, ComponentPRBC, 5*day)
	r, err := h.svc.CreateRequest(h.ctx, h.nurse, uuid.Nil, RequestInput{
		PatientID: uuid.New(), Component: ComponentPRBC, Quantity: 3, Urgency: UrgencyEmergency,
	})
	require.NoError(t, err)

	c, rec := newHandlerContext(h.nurse, http.MethodPost, `{"quantity":3,"issued_to":"ED"}`, r.ID.String())
	require.NoError(t, handler.EmergencyRelease(c))
	assert.Equal(t, http.StatusConflict, rec.Code)

	var body shortfallBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ComponentPRBC, body.Component)
	assert.Equal(t, 3, body.Requested)
	assert.Equal(t, 1, body.Reserved)
	assert.Contains(t, body.Message, "short 2")
}

func TestHandler_CancelRequestNeedsReason(t *testing.T) {
	h := newHarness(t)
	handler := NewHandler(h.svc)
	r := h.readyRequest(t, GroupBPos, ComponentFFP, 2)

	c, rec := newHandlerContext(h.nurse, http.MethodPost, `{}`, r.ID.String())
	assert.Equal(t, http.StatusBadRequest, status(t, handler.CancelRequest(c), rec))

	c, rec = newHandlerContext(h.nurse, http.MethodPost, `{"reason":"discharged"}`, r.ID.String())
	require.NoError(t, handler.CancelRequest(c))
	assert.Equal(t, http.StatusOK, rec.Code)

	c, rec = newHandlerContext(h.nurse, http.MethodPost, `{"reason":"again"}`, r.ID.String())
	assert.Equal(t, http.StatusConflict, status(t, handler.CancelRequest(c), rec))
}

func TestHandler_RoutesEnforceRoles(t *testing.T) {
	h := newHarness(t)
	e := echo.New()
	NewHandler(h.svc).RegisterRoutes(e.Group("/api/v1"))

	body := `{"component":"PRBC","volume_ml":350}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/blood-bank/units", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, withPrincipal(req, h.nurse))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/blood-bank/units", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, withPrincipal(req, h.lab))
	assert.Equal(t, http.StatusCreated, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/blood-bank/stock?component=PRBC", nil)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, withPrincipal(req, h.nurse))
	assert.Equal(t, http.StatusOK, rec.Code)
}
