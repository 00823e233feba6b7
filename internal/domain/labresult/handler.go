package labresult

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/israelsalinas-g/nexos-labs-sub000/internal/platform/auth"
	"github.com/israelsalinas-g/nexos-labs-sub000/internal/platform/hl7v2"
	"github.com/israelsalinas-g/nexos-labs-sub000/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the result endpoints under /:instrument. Every
// route needs an authenticated caller; delete additionally needs admin.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/:instrument", auth.RequireAuthenticated())
	g.POST("/process-raw", h.ProcessRaw)
	g.GET("", h.ListResults)
	g.GET("/stats", h.GetStats)
	g.GET("/sample/:sampleNumber", h.GetBySampleNumber)
	g.GET("/:id", h.GetResult)
	g.PATCH("/:id", h.UpdateMeasurements)
	g.PATCH("/:id/assign-patient", h.AssignPatient)
	g.POST("/:id/reprocess", h.Reprocess)

	g.DELETE("/:id", h.DeleteResult, auth.RequireRole("admin"))
}

type processRawRequest struct {
	RawData string `json:"rawData"`
}

type updateRequest struct {
	Measurements []MeasurementUpdate `json:"measurements"`
}

type assignRequest struct {
	PatientID string `json:"patientId"`
}

// ProcessRaw handles POST /:instrument/process-raw. The body is framed as a
// single message, so envelope bytes and surrounding whitespace are dropped.
func (h *Handler) ProcessRaw(c echo.Context) error {
	var req processRawRequest
	if err := decodeStrict(c, &req); err != nil {
		return err
	}
	frame, ok := hl7v2.FrameBuffer([]byte(req.RawData))
	if !ok {
		return httpError(validationError("rawData is required"))
	}

	ctx := actorContext(c)
	res, err := h.svc.Ingest(ctx, RawMessage{
		Payload:    string(frame),
		Transport:  TransportHTTP,
		Instrument: c.Param("instrument"),
	}, IngestOptions{})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res.View())
}

// ListResults handles GET /:instrument?patient_name=&status=&limit=&offset=.
func (h *Handler) ListResults(c echo.Context) error {
	inst, err := h.instrument(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	f := Filter{
		Instrument:  inst,
		PatientName: strings.TrimSpace(c.QueryParam("patient_name")),
		Status:      ProcessingStatus(strings.ToUpper(c.QueryParam("status"))),
	}
	items, total, err := h.svc.List(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	views := make([]ResultView, 0, len(items))
	for _, r := range items {
		views = append(views, r.View())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views, total, pg))
}

func (h *Handler) GetStats(c echo.Context) error {
	stats, err := h.svc.Stats(c.Request().Context(), c.Param("instrument"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) GetResult(c echo.Context) error {
	res, err := h.result(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res.View())
}

// GetBySampleNumber handles GET /:instrument/sample/:sampleNumber?device_id=.
func (h *Handler) GetBySampleNumber(c echo.Context) error {
	inst, err := h.instrument(c)
	if err != nil {
		return err
	}
	res, err := h.svc.GetBySampleNumber(c.Request().Context(), inst, c.Param("sampleNumber"),
		strings.TrimSpace(c.QueryParam("device_id")))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res.View())
}

// UpdateMeasurements handles PATCH /:instrument/:id. Only name and result
// pairs are accepted; any other field, status included, is rejected.
func (h *Handler) UpdateMeasurements(c echo.Context) error {
	existing, err := h.result(c)
	if err != nil {
		return err
	}
	var req updateRequest
	if err := decodeStrict(c, &req); err != nil {
		return err
	}
	res, err := h.svc.UpdateMeasurements(actorContext(c), existing.ID, req.Measurements)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res.View())
}

func (h *Handler) AssignPatient(c echo.Context) error {
	existing, err := h.result(c)
	if err != nil {
		return err
	}
	var req assignRequest
	if err := decodeStrict(c, &req); err != nil {
		return err
	}
	patientID, err := uuid.Parse(req.PatientID)
	if err != nil {
		return httpError(validationError("invalid patientId"))
	}
	res, err := h.svc.AssignPatient(actorContext(c), existing.ID, patientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res.View())
}

func (h *Handler) Reprocess(c echo.Context) error {
	existing, err := h.result(c)
	if err != nil {
		return err
	}
	res, err := h.svc.Reprocess(actorContext(c), existing.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res.View())
}

func (h *Handler) DeleteResult(c echo.Context) error {
	existing, err := h.result(c)
	if err != nil {
		return err
	}
	if err := h.svc.Delete(actorContext(c), existing.ID); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// instrument returns the canonical name of the path instrument.
func (h *Handler) instrument(c echo.Context) (string, error) {
	p, err := h.svc.Profiles().Get(c.Param("instrument"))
	if err != nil {
		return "", httpError(err)
	}
	return p.Instrument, nil
}

// result loads the :id result and checks it belongs to the path instrument.
func (h *Handler) result(c echo.Context) (*InstrumentResult, error) {
	inst, err := h.instrument(c)
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	res, err := h.svc.GetByID(c.Request().Context(), id)
	if err != nil {
		return nil, httpError(err)
	}
	if res.Instrument != inst {
		return nil, httpError(ErrNotFound)
	}
	return res, nil
}

func decodeStrict(c echo.Context, v interface{}) error {
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
		}
		return httpError(validationError("invalid request body: %v", err))
	}
	return nil
}

// httpError maps service errors to HTTP responses.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrUnknownInstrument), errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrPatientNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicateSample), errors.Is(err, ErrNotReprocessable), errors.Is(err, ErrAmbiguousSample):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case IsIdentificationError(err):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func actorContext(c echo.Context) context.Context {
	ctx := c.Request().Context()
	return WithActor(ctx, auth.UserIDFromContext(ctx))
}
