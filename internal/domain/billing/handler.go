package billing

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/billing/internal/platform/auth"
	"github.com/clinic/billing/pkg/money"
	"github.com/clinic/billing/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/billing", auth.RequireRole("admin", "billing"))
	g.POST("/calculate", h.CalculateCharge)
	g.POST("/invoices", h.CreateInvoice)
	g.GET("/invoices", h.ListInvoices)
	g.GET("/invoices/:number", h.GetInvoice)
	g.PATCH("/invoices/:number/status", h.UpdateInvoiceStatus)
	g.GET("/patients/:id/totals", h.GetYearTotals)
}

type chargeRequest struct {
	PatientID uuid.UUID   `json:"patient_id"`
	TotalCost money.Money `json:"total_cost"`
}

func (h *Handler) bindCharge(c echo.Context) (chargeRequest, error) {
	var req chargeRequest
	if err := c.Bind(&req); err != nil {
		return req, echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.PatientID == uuid.Nil {
		return req, echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	return req, nil
}

func (h *Handler) CalculateCharge(c echo.Context) error {
	req, err := h.bindCharge(c)
	if err != nil {
		return err
	}
	res, err := h.svc.CalculateCharge(c.Request().Context(), req.PatientID, req.TotalCost)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) CreateInvoice(c echo.Context) error {
	req, err := h.bindCharge(c)
	if err != nil {
		return err
	}
	inv, err := h.svc.GenerateInvoice(c.Request().Context(), req.PatientID, req.TotalCost)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, inv)
}

func (h *Handler) ListInvoices(c echo.Context) error {
	patientID, err := uuid.Parse(c.QueryParam("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "valid patient_id query parameter is required")
	}
	var year Year
	if raw := c.QueryParam("year"); raw != "" {
		if year, err = parseYear(raw); err != nil {
			return err
		}
	}

	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListInvoices(c.Request().Context(), patientID, year, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	resp := pagination.NewResponse(items, total, pg).WithLinks(c.Request().URL.Path, c.QueryParams())
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetInvoice(c echo.Context) error {
	inv, err := h.svc.GetInvoice(c.Request().Context(), c.Param("number"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) UpdateInvoiceStatus(c echo.Context) error {
	var body struct {
		Status string `json:"status"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	status, err := ParseInvoiceStatus(body.Status)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	inv, err := h.svc.UpdateInvoiceStatus(c.Request().Context(), c.Param("number"), status)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) GetYearTotals(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	year := h.svc.CurrentYear()
	if raw := c.QueryParam("year"); raw != "" {
		if year, err = parseYear(raw); err != nil {
			return err
		}
	}
	totals, err := h.svc.GetYearTotals(c.Request().Context(), patientID, year)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, totals)
}

func parseYear(raw string) (Year, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || !Year(n).Valid() {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid year")
	}
	return Year(n), nil
}

// httpError maps service errors onto HTTP status codes.
func httpError(err error) error {
	var violation *InvariantViolationError
	switch {
	case errors.Is(err, ErrInvalidChargeAmount):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrPatientNotFound), errors.Is(err, ErrInvoiceNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidStatusTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrCollaboratorUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "billing dependency unavailable").SetInternal(err)
	case errors.As(err, &violation):
		return echo.NewHTTPError(http.StatusInternalServerError, "billing calculation failed").SetInternal(err)
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}
