package dispense

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// SessionHeader carries the device session mode on every pipeline response.
const SessionHeader = "X-Dispenser-Session"

type Handler struct {
	orch   *Orchestrator
	logger zerolog.Logger
}

func NewHandler(orch *Orchestrator, logger zerolog.Logger) *Handler {
	return &Handler{orch: orch, logger: logger}
}

// RegisterRoutes mounts the versioned API on api and the routes kept from
// the pre-v1 lookup API on legacy.
func (h *Handler) RegisterRoutes(api *echo.Group, legacy *echo.Group) {
	api.POST("/prescriptions/lookup", h.Lookup)
	api.POST("/dispense", h.Dispense)
	api.GET("/device", h.DeviceStatus)

	legacy.GET("/", h.Home)
	legacy.POST("/get-prescription", h.GetPrescription)
}

type codeRequest struct {
	PatientCode string `json:"patientCode"`
	PatientID   string `json:"patientId"`
}

func (r codeRequest) code() string {
	if r.PatientCode != "" {
		return r.PatientCode
	}
	return r.PatientID
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Status  string      `json:"status"`
	Error   errorDetail `json:"error"`
	Mode    Mode        `json:"mode,omitempty"`
	Tablets []string    `json:"tablets,omitempty"`
}

func (h *Handler) Lookup(c echo.Context) error {
	return h.serve(c, ModeLookup)
}

func (h *Handler) Dispense(c echo.Context) error {
	return h.serve(c, ModeDispense)
}

func (h *Handler) serve(c echo.Context, mode Mode) error {
	c.Response().Header().Set(SessionHeader, string(h.orch.SessionMode()))

	var req codeRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{
			Status: "error",
			Error:  errorDetail{Code: KindInvalidFormat.Code(), Message: "request body must be a JSON object"},
			Mode:   mode,
		})
	}

	ctx := c.Request().Context()
	var (
		res *Result
		err error
	)
	if mode == ModeDispense {
		res, err = h.orch.Dispense(ctx, req.code())
	} else {
		res, err = h.orch.Lookup(ctx, req.code())
	}
	if err != nil {
		return h.writeError(c, mode, res, err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) writeError(c echo.Context, mode Mode, res *Result, err error) error {
	kind := KindOf(err)
	msg := "internal error"
	var de *Error
	if errors.As(err, &de) {
		msg = de.Message
	}
	if kind.HTTPStatus() >= http.StatusInternalServerError {
		h.logger.Error().Err(err).
			Str("request_id", c.Response().Header().Get(echo.HeaderXRequestID)).
			Str("mode", string(mode)).
			Msg("dispense pipeline failed")
	}
	body := errorResponse{
		Status: "error",
		Error:  errorDetail{Code: kind.Code(), Message: msg},
		Mode:   mode,
	}
	if kind == KindNoResponse && res != nil {
		body.Tablets = res.Tablets
	}
	return c.JSON(kind.HTTPStatus(), body)
}

// DeviceStatus reports the session mode, queue depth and port address.
func (h *Handler) DeviceStatus(c echo.Context) error {
	st := h.orch.DeviceStatus()
	c.Response().Header().Set(SessionHeader, string(st.Mode))
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) Home(c echo.Context) error {
	return c.String(http.StatusOK, "Home Page Route")
}

// GetPrescription answers with the stored prescription document, using the
// pre-v1 request and error shapes.
func (h *Handler) GetPrescription(c echo.Context) error {
	var req codeRequest
	_ = c.Bind(&req)
	code := req.code()
	if code == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Patient ID is required"})
	}

	p, err := h.orch.Prescription(c.Request().Context(), code)
	if err != nil {
		switch KindOf(err) {
		case KindInvalidFormat, KindNotFound:
			return c.JSON(http.StatusNotFound, map[string]string{"error": "No prescription found for this patient ID"})
		default:
			h.logger.Error().Err(err).Msg("get-prescription failed")
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal server error"})
		}
	}
	return c.JSON(http.StatusOK, p)
}
