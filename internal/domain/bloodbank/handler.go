package bloodbank

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/bloodbank/bloodbank/internal/platform/auth"
	"github.com/bloodbank/bloodbank/pkg/pagination"
)

// BranchHeader names the branch a request acts on. The branch_id query
// parameter is accepted as a fallback.
const BranchHeader = "X-Branch-ID"

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/blood-bank")

	// Read endpoints – admin, physician, nurse, lab_tech
	read := g.Group("", auth.RequireRole("admin", "physician", "nurse", "lab_tech"))
	read.GET("/units", h.ListUnits)
	read.GET("/units/:id", h.GetUnit)
	read.GET("/units/:id/eligibility", h.CheckEligibility)
	read.GET("/stock", h.ListStock)
	read.GET("/separation-overdue", h.ListSeparationOverdue)
	read.GET("/equipment", h.ListEquipment)
	read.GET("/transfers/:id", h.GetTransfer)
	read.GET("/requests", h.ListRequests)
	read.GET("/requests/:id", h.GetRequest)
	read.GET("/requests/:id/suggestions", h.SuggestUnits)
	read.GET("/cross-matches/:id/certificate", h.GetCertificate)
	read.GET("/issues/:id", h.GetIssue)
	read.GET("/issues/:id/transfusion", h.GetTransfusion)
	read.GET("/mtp/:id", h.GetMTP)
	read.GET("/lookbacks", h.ListLookbacks)
	read.GET("/lookbacks/:id", h.GetLookback)

	// Laboratory writes – admin, lab_tech
	lab := g.Group("", auth.RequireRole("admin", "lab_tech"))
	lab.POST("/units", h.RegisterUnit)
	lab.POST("/units/:id/end-collection", h.EndCollection)
	lab.POST("/units/:id/separate", h.SeparateComponents)
	lab.POST("/units/:id/groupings", h.RecordGrouping)
	lab.POST("/groupings/:id/verify", h.VerifyGrouping)
	lab.POST("/units/:id/tti", h.RecordTTI)
	lab.POST("/tti/:id/verify", h.VerifyTTI)
	lab.POST("/units/:id/label", h.ConfirmLabel)
	lab.POST("/units/:id/slot", h.AssignSlot)
	lab.POST("/units/:id/discard", h.Discard)
	lab.POST("/units/:id/restock", h.Restock)
	lab.POST("/units/:id/transfers", h.InitiateTransfer)
	lab.POST("/transfers/:id/dispatch", h.DispatchTransfer)
	lab.POST("/transfers/:id/receive", h.ReceiveTransfer)
	lab.POST("/transfers/:id/cancel", h.CancelTransfer)
	lab.POST("/equipment", h.RegisterEquipment)
	lab.PUT("/equipment/:id", h.UpdateEquipment)
	lab.POST("/equipment/:id/temperatures", h.LogTemperature)
	lab.POST("/temperature-logs/:id/acknowledge", h.AcknowledgeBreach)
	lab.POST("/samples/:id/type", h.TypeSample)
	lab.POST("/cross-matches", h.CrossMatch)
	lab.PUT("/cross-matches/:id/result", h.UpdateCrossMatchResult)
	lab.POST("/cross-matches/electronic", h.ElectronicCrossMatch)
	lab.POST("/issues", h.IssueUnit)
	lab.POST("/requests/:id/reject", h.RejectRequest)
	lab.POST("/lookbacks", h.OpenLookback)
	lab.POST("/lookbacks/:id/close", h.CloseLookback)

	// Clinical writes – admin, physician, nurse
	clin := g.Group("", auth.RequireRole("admin", "physician", "nurse"))
	clin.POST("/requests", h.CreateRequest)
	clin.POST("/requests/:id/samples", h.ReceiveSample)
	clin.POST("/requests/:id/cancel", h.CancelRequest)
	clin.POST("/requests/:id/emergency-release", h.EmergencyRelease)
	clin.POST("/issues/:id/bedside-verify", h.BedsideVerify)
	clin.POST("/issues/:id/start", h.StartTransfusion)
	clin.POST("/issues/:id/vitals", h.RecordVitals)
	clin.POST("/issues/:id/reactions", h.ReportReaction)
	clin.POST("/issues/:id/end", h.EndTransfusion)
	clin.POST("/issues/:id/return", h.ReturnIssue)
	clin.POST("/reactions/:id/close-workup", h.CloseReactionWorkup)
	clin.POST("/mtp", h.ActivateMTP)
	clin.POST("/mtp/:id/packs", h.ReleasePack)
	clin.POST("/mtp/:id/deactivate", h.DeactivateMTP)
}

// -- Request helpers --

func principal(c echo.Context) auth.Principal {
	return auth.PrincipalFromContext(c.Request().Context())
}

func branchID(c echo.Context) (uuid.UUID, error) {
	raw := c.Request().Header.Get(BranchHeader)
	if raw == "" {
		raw = c.QueryParam("branch_id")
	}
	if raw == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid branch id")
	}
	return id, nil
}

func pathID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// scope reads the principal, branch and path id every member route needs.
func scope(c echo.Context) (auth.Principal, uuid.UUID, uuid.UUID, error) {
	b, err := branchID(c)
	if err != nil {
		return auth.Principal{}, uuid.Nil, uuid.Nil, err
	}
	id, err := pathID(c)
	if err != nil {
		return auth.Principal{}, uuid.Nil, uuid.Nil, err
	}
	return principal(c), b, id, nil
}

func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

type reasonBody struct {
	Reason string `json:"reason"`
}

type gateBody struct {
	Message string       `json:"message"`
	UnitID  uuid.UUID    `json:"unit_id"`
	Reasons []GateReason `json:"reasons"`
}

type shortfallBody struct {
	Message    string        `json:"message"`
	Component  ComponentType `json:"component"`
	Requested  int           `json:"requested"`
	Reserved   int           `json:"reserved"`
	Rejections []Rejection   `json:"rejections"`
}

// respondErr maps engine errors onto HTTP statuses. Gate failures and
// shortfalls carry their reasons in the body.
func respondErr(c echo.Context, err error) error {
	var gate *GateError
	var short *ShortfallError
	switch {
	case errors.As(err, &gate):
		return c.JSON(http.StatusUnprocessableEntity, gateBody{Message: err.Error(), UnitID: gate.UnitID, Reasons: gate.Reasons})
	case errors.As(err, &short):
		return c.JSON(http.StatusConflict, shortfallBody{
			Message:    err.Error(),
			Component:  short.Component,
			Requested:  short.Requested,
			Reserved:   short.Reserved,
			Rejections: short.Rejections,
		})
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, auth.ErrBranchRequired):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrStateConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// -- Inventory --

func (h *Handler) RegisterUnit(c echo.Context) error {
	b, err := branchID(c)
	if err != nil {
		return err
	}
	var in RegisterUnitInput
	if err := bind(c, &in); err != nil {
		return err
	}
	u, err := h.svc.RegisterUnit(c.Request().Context(), principal(c), b, in)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, u)
}

func (h *Handler) EndCollection(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	var in struct {
		CollectedAt *time.Time `json:"collected_at"`
	}
	if err := bind(c, &in); err != nil {
		return err
	}
	u, err := h.svc.EndCollection(c.Request().Context(), p, b, id, in.CollectedAt)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) SeparateComponents(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	var in struct {
		Parts []SeparationPart `json:"parts"`
	}
	if err := bind(c, &in); err != nil {
		return err
	}
	units, err := h.svc.SeparateComponents(c.Request().Context(), p, b, id, in.Parts)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, units)
}

func (h *Handler) GetUnit(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	u, err := h.svc.GetUnit(c.Request().Context(), p, b, id)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) ListUnits(c echo.Context) error {
	b, err := branchID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	f := UnitFilter{
		BranchID:  b,
		Status:    UnitStatus(c.QueryParam("status")),
		Component: ComponentType(c.QueryParam("component")),
		Group:     BloodGroup(c.QueryParam("blood_group")),
		Limit:     pg.Limit,
		Offset:    pg.Offset,
	}
	if d := c.QueryParam("donor_id"); d != "" {
		id, err := uuid.Parse(d)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid donor_id")
		}
		f.DonorID = &id
	}
	units, err := h.svc.ListUnits(c.Request().Context(), principal(c), f)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(units, 0, pg.Limit, pg.Offset))
}

// ListStock pages AVAILABLE stock in FEFO order with an opaque cursor.
func (h *Handler) ListStock(c echo.Context) error {
	b, err := branchID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	q := StockQuery{
		Component: ComponentType(c.QueryParam("component")),
		Group:     BloodGroup(c.QueryParam("blood_group")),
		Limit:     pg.Limit,
	}
	if pg.Cursor != "" {
		var k FEFOKey
		if err := pagination.DecodeCursor(pg.Cursor, &k); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		q.After = &k
	}
	units, next, err := h.svc.ListStock(c.Request().Context(), principal(c), b, q)
	if err != nil {
		return respondErr(c, err)
	}
	var cursor string
	if next != nil {
		if cursor, err = pagination.EncodeCursor(next); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, pagination.NewCursorResponse(units, pg.Limit, cursor))
}

func (h *Handler) ListSeparationOverdue(c echo.Context) error {
	b, err := branchID(c)
	if err != nil {
		return err
	}
	units, err := h.svc.ListSeparationOverdue(c.Request().Context(), principal(c), b)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, units)
}

func (h *Handler) CheckEligibility(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	el, err := h.svc.CheckEligibility(c.Request().Context(), p, b, id)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, el)
}

func (h *Handler) Discard(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	var in reasonBody
	if err := bind(c, &in); err != nil {
		return err
	}
	u, err := h.svc.Discard(c.Request().Context(), p, b, id, in.Reason)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) Restock(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	var in struct {
		EquipmentID *uuid.UUID `json:"equipment_id"`
	}
	if err := bind(c, &in); err != nil {
		return err
	}
	u, err := h.svc.Restock(c.Request().Context(), p, b, id, in.EquipmentID)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, u)
}

// -- Testing --

func (h *Handler) RecordGrouping(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	var in GroupingInput
	if err := bind(c, &in); err != nil {
		return err
	}
	g, err := h.svc.RecordGrouping(c.Request().Context(), p, b, id, in)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, g)
}

func (h *Handler) VerifyGrouping(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	g, err := h.svc.VerifyGrouping(c.Request().Context(), p, b, id)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, g)
}

func (h *Handler) RecordTTI(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	var in TTIInput
	if err := bind(c, &in); err != nil {
		return err
	}
	t, err := h.svc.RecordTTI(c.Request().Context(), p, b, id, in)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) VerifyTTI(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	t, err := h.svc.VerifyTTI(c.Request().Context(), p, b, id)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) ConfirmLabel(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	var in LabelInput
	if err := bind(c, &in); err != nil {
		return err
	}
	u, err := h.svc.ConfirmLabel(c.Request().Context(), p, b, id, in)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, u)
}

// -- Cold chain --

func (h *Handler) RegisterEquipment(c echo.Context) error {
	b, err := branchID(c)
	if err != nil {
		return err
	}
	var in EquipmentInput
	if err := bind(c, &in); err != nil {
		return err
	}
	e, err := h.svc.RegisterEquipment(c.Request().Context(), principal(c), b, in)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) UpdateEquipment(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	var in EquipmentInput
	if err := bind(c, &in); err != nil {
		return err
	}
	e, err := h.svc.UpdateEquipment(c.Request().Context(), p, b, id, in)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) ListEquipment(c echo.Context) error {
	b, err := branchID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListEquipment(c.Request().Context(), principal(c), b)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) AssignSlot(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	var in struct {
		EquipmentID uuid.UUID `json:"equipment_id"`
		Shelf       string    `json:"shelf"`
	}
	if err := bind(c, &in); err != nil {
		return err
	}
	s, err := h.svc.AssignSlot(c.Request().Context(), p, b, id, in.EquipmentID, in.Shelf)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, s)
}

func (h *Handler) LogTemperature(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	var in TemperatureInput
	if err := bind(c, &in); err != nil {
		return err
	}
	l, err := h.svc.LogTemperature(c.Request().Context(), p, b, id, in)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, l)
}

func (h *Handler) AcknowledgeBreach(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	var in struct {
		Notes string `json:"notes"`
	}
	if err := bind(c, &in); err != nil {
		return err
	}
	l, err := h.svc.AcknowledgeBreach(c.Request().Context(), p, b, id, in.Notes)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, l)
}

// -- Transfers --

func (h *Handler) InitiateTransfer(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	var in struct {
		ToBranchID uuid.UUID `json:"to_branch_id"`
		Notes      string    `json:"notes"`
	}
	if err := bind(c, &in); err != nil {
		return err
	}
	t, err := h.svc.InitiateTransfer(c.Request().Context(), p, b, id, in.ToBranchID, in.Notes)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) DispatchTransfer(c echo.Context) error {
	return h.transferStep(c, h.svc.DispatchTransfer)
}

func (h *Handler) ReceiveTransfer(c echo.Context) error {
	return h.transferStep(c, h.svc.ReceiveTransfer)
}

func (h *Handler) CancelTransfer(c echo.Context) error {
	return h.transferStep(c, h.svc.CancelTransfer)
}

func (h *Handler) GetTransfer(c echo.Context) error {
	return h.transferStep(c, h.svc.GetTransfer)
}

type transferFunc func(ctx context.Context, p auth.Principal, branchID, transferID uuid.UUID) (*UnitTransfer, error)

func (h *Handler) transferStep(c echo.Context, fn transferFunc) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	t, err := fn(c.Request().Context(), p, b, id)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

// -- Requests --

func (h *Handler) CreateRequest(c echo.Context) error {
	b, err := branchID(c)
	if err != nil {
		return err
	}
	var in RequestInput
	if err := bind(c, &in); err != nil {
		return err
	}
	r, err := h.svc.CreateRequest(c.Request().Context(), principal(c), b, in)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) ReceiveSample(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	var in SampleInput
	if err := bind(c, &in); err != nil {
		return err
	}
	s, err := h.svc.ReceiveSample(c.Request().Context(), p, b, id, in)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, s)
}

func (h *Handler) TypeSample(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	var in TypeSampleInput
	if err := bind(c, &in); err != nil {
		return err
	}
	s, err := h.svc.TypeSample(c.Request().Context(), p, b, id, in)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, s)
}

func (h *Handler) CancelRequest(c echo.Context) error {
	return h.closeRequest(c, h.svc.CancelRequest)
}

func (h *Handler) RejectRequest(c echo.Context) error {
	return h.closeRequest(c, h.svc.RejectRequest)
}

func (h *Handler) closeRequest(c echo.Context, fn func(ctx context.Context, p auth.Principal, branchID, requestID uuid.UUID, reason string) (*BloodRequest, error)) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	var in reasonBody
	if err := bind(c, &in); err != nil {
		return err
	}
	r, err := fn(c.Request().Context(), p, b, id, in.Reason)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) GetRequest(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	r, err := h.svc.GetRequest(c.Request().Context(), p, b, id)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) ListRequests(c echo.Context) error {
	b, err := branchID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, err := h.svc.ListRequests(c.Request().Context(), principal(c), b, RequestStatus(c.QueryParam("status")), pg.Limit, pg.Offset)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, 0, pg.Limit, pg.Offset))
}

func (h *Handler) SuggestUnits(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	units, err := h.svc.SuggestUnits(c.Request().Context(), p, b, id, limit)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, units)
}

// -- Cross-match --

func (h *Handler) CrossMatch(c echo.Context) error {
	b, err := branchID(c)
	if err != nil {
		return err
	}
	var in CrossMatchInput
	if err := bind(c, &in); err != nil {
		return err
	}
	xm, err := h.svc.CrossMatch(c.Request().Context(), principal(c), b, in)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, xm)
}

func (h *Handler) UpdateCrossMatchResult(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	var in struct {
		Result CrossMatchResult `json:"result"`
		Notes  string           `json:"notes"`
	}
	if err := bind(c, &in); err != nil {
		return err
	}
	xm, err := h.svc.UpdateCrossMatchResult(c.Request().Context(), p, b, id, in.Result, in.Notes)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, xm)
}

func (h *Handler) ElectronicCrossMatch(c echo.Context) error {
	b, err := branchID(c)
	if err != nil {
		return err
	}
	var in ElectronicCrossMatchInput
	if err := bind(c, &in); err != nil {
		return err
	}
	xm, err := h.svc.ElectronicCrossMatch(c.Request().Context(), principal(c), b, in)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, xm)
}

func (h *Handler) GetCertificate(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	cert, err := h.svc.GetCertificate(c.Request().Context(), p, b, id)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, cert)
}

// -- Issue and transfusion --

func (h *Handler) IssueUnit(c echo.Context) error {
	b, err := branchID(c)
	if err != nil {
		return err
	}
	var in IssueInput
	if err := bind(c, &in); err != nil {
		return err
	}
	issue, err := h.svc.IssueUnit(c.Request().Context(), principal(c), b, in)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, issue)
}

func (h *Handler) EmergencyRelease(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	var in EmergencyIssueInput
	if err := bind(c, &in); err != nil {
		return err
	}
	issues, err := h.svc.EmergencyRelease(c.Request().Context(), p, b, id, in)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, issues)
}

func (h *Handler) GetIssue(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	issue, err := h.svc.GetIssue(c.Request().Context(), p, b, id)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, issue)
}

func (h *Handler) BedsideVerify(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	var in BedsideInput
	if err := bind(c, &in); err != nil {
		return err
	}
	t, err := h.svc.BedsideVerify(c.Request().Context(), p, b, id, in)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) StartTransfusion(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	var in StartInput
	if err := bind(c, &in); err != nil {
		return err
	}
	t, err := h.svc.StartTransfusion(c.Request().Context(), p, b, id, in)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) RecordVitals(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	var in VitalsEntry
	if err := bind(c, &in); err != nil {
		return err
	}
	bucket, err := h.svc.RecordVitals(c.Request().Context(), p, b, id, in)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]VitalsBucket{"bucket": bucket})
}

func (h *Handler) ReportReaction(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	var in ReactionInput
	if err := bind(c, &in); err != nil {
		return err
	}
	rx, err := h.svc.ReportReaction(c.Request().Context(), p, b, id, in)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, rx)
}

func (h *Handler) EndTransfusion(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	var in EndInput
	if err := bind(c, &in); err != nil {
		return err
	}
	t, err := h.svc.EndTransfusion(c.Request().Context(), p, b, id, in)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) CloseReactionWorkup(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	var in WorkupInput
	if err := bind(c, &in); err != nil {
		return err
	}
	rx, err := h.svc.CloseReactionWorkup(c.Request().Context(), p, b, id, in)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, rx)
}

func (h *Handler) ReturnIssue(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	var in ReturnInput
	if err := bind(c, &in); err != nil {
		return err
	}
	issue, err := h.svc.ReturnIssue(c.Request().Context(), p, b, id, in)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, issue)
}

func (h *Handler) GetTransfusion(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	d, err := h.svc.GetTransfusion(c.Request().Context(), p, b, id)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, d)
}

// -- MTP --

func (h *Handler) ActivateMTP(c echo.Context) error {
	b, err := branchID(c)
	if err != nil {
		return err
	}
	var in ActivateMTPInput
	if err := bind(c, &in); err != nil {
		return err
	}
	m, err := h.svc.ActivateMTP(c.Request().Context(), principal(c), b, in)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) ReleasePack(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	var in PackInput
	if err := bind(c, &in); err != nil {
		return err
	}
	rel, err := h.svc.ReleasePack(c.Request().Context(), p, b, id, in)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, rel)
}

func (h *Handler) DeactivateMTP(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	m, err := h.svc.DeactivateMTP(c.Request().Context(), p, b, id)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, m)
}

func (h *Handler) GetMTP(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	m, err := h.svc.GetMTP(c.Request().Context(), p, b, id)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, m)
}

// -- Look-back --

func (h *Handler) OpenLookback(c echo.Context) error {
	b, err := branchID(c)
	if err != nil {
		return err
	}
	var in LookbackInput
	if err := bind(c, &in); err != nil {
		return err
	}
	l, err := h.svc.OpenLookback(c.Request().Context(), principal(c), b, in)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusCreated, l)
}

func (h *Handler) CloseLookback(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	var in struct {
		Findings string `json:"findings"`
	}
	if err := bind(c, &in); err != nil {
		return err
	}
	l, err := h.svc.CloseLookback(c.Request().Context(), p, b, id, in.Findings)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, l)
}

func (h *Handler) GetLookback(c echo.Context) error {
	p, b, id, err := scope(c)
	if err != nil {
		return err
	}
	l, err := h.svc.GetLookback(c.Request().Context(), p, b, id)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, l)
}

func (h *Handler) ListLookbacks(c echo.Context) error {
	b, err := branchID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, err := h.svc.ListLookbacks(c.Request().Context(), principal(c), b, LookbackStatus(c.QueryParam("status")), pg.Limit, pg.Offset)
	if err != nil {
		return respondErr(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, 0, pg.Limit, pg.Offset))
}
