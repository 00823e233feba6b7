package hl7v2

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Handler exposes the decoder over HTTP so integrators can check how a device
// payload is split before wiring a new analyzer profile.
type Handler struct {
	maxBody int64
}

// NewHandler creates a new decode handler. Bodies larger than maxBody bytes
// are rejected; maxBody <= 0 selects DefaultMaxFrameSize.
func NewHandler(maxBody int64) *Handler {
	if maxBody <= 0 {
		maxBody = DefaultMaxFrameSize
	}
	return &Handler{maxBody: maxBody}
}

// RegisterRoutes registers the decode endpoint.
//
//	POST /api/v1/hl7v2/decode?strict=true
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/hl7v2/decode", h.DecodeMessage)
}

type decodeResponse struct {
	Type       string    `json:"type,omitempty"`
	ControlID  string    `json:"controlId,omitempty"`
	Version    string    `json:"version,omitempty"`
	Timestamp  string    `json:"timestamp,omitempty"`
	SendingApp string    `json:"sendingApp,omitempty"`
	SendingFac string    `json:"sendingFac,omitempty"`
	Delimiters string    `json:"delimiters"`
	Segments   []Segment `json:"segments"`
}

// DecodeMessage handles POST /api/v1/hl7v2/decode.
// The raw body is framed as a single message and split into segments. With
// strict=true the message must carry an MSH header.
func (h *Handler) DecodeMessage(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, h.maxBody+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if int64(len(body)) > h.maxBody {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, ErrFrameTooLarge.Error())
	}

	frame, ok := FrameBuffer(body)
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "request body is empty")
	}

	var msg *Message
	if c.QueryParam("strict") == "true" {
		msg, err = Parse(frame)
	} else {
		msg, err = Decode(frame, DefaultDelimiters)
	}
	if err != nil {
		if errors.Is(err, ErrUndecodable) {
			return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	resp := decodeResponse{
		Type:       msg.Type,
		ControlID:  msg.ControlID,
		Version:    msg.Version,
		SendingApp: msg.SendingApp,
		SendingFac: msg.SendingFac,
		Delimiters: string([]byte{msg.Delimiters.Field, msg.Delimiters.Component, msg.Delimiters.Repetition}),
		Segments:   msg.Segments,
	}
	if !msg.Timestamp.IsZero() {
		resp.Timestamp = msg.Timestamp.Format(time.RFC3339)
	}
	return c.JSON(http.StatusOK, resp)
}
