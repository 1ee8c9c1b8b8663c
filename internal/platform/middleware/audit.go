package middleware

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// AuditEntry records one access to prescription data or the dispenser.
type AuditEntry struct {
	RequestID  string
	Action     string // lookup, dispense, device, legacy_lookup
	Method     string
	Path       string
	IPAddress  string
	UserAgent  string
	StatusCode int
	Session    string
	Timestamp  time.Time
	Latency    time.Duration
}

// AuditRecorder persists audit entries. Without one, entries are only
// written to the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit logs every request that reads a prescription or reaches the device
// with type=access_audit. Patient codes live in the request body and are
// recorded by the dispense audit event instead.
func Audit(logger zerolog.Logger, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			action := auditAction(req.URL.Path)
			if action == "" {
				return next(c)
			}

			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			entry := AuditEntry{
				Action:     action,
				Method:     req.Method,
				Path:       req.URL.Path,
				IPAddress:  c.RealIP(),
				UserAgent:  req.UserAgent(),
				StatusCode: c.Response().Status,
				Session:    c.Response().Header().Get("X-Dispenser-Session"),
				Timestamp:  start.UTC(),
				Latency:    time.Since(start),
			}
			if rid, ok := c.Get("request_id").(string); ok {
				entry.RequestID = rid
			}

			for _, r := range recorders {
				if r == nil {
					continue
				}
				if recErr := r.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).
						Str("request_id", entry.RequestID).
						Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "access_audit").
				Str("request_id", entry.RequestID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Str("user_agent", entry.UserAgent).
				Int("status", entry.StatusCode).
				Str("session", entry.Session).
				Dur("latency", entry.Latency).
				Msg("prescription_access")

			return nil
		}
	}
}

// auditAction classifies the path, or returns "" for unaudited routes.
func auditAction(path string) string {
	switch {
	case path == "/get-prescription":
		return "legacy_lookup"
	case path == "/api/v1/prescriptions/lookup":
		return "lookup"
	case path == "/api/v1/dispense":
		return "dispense"
	case strings.HasPrefix(path, "/api/v1/device"):
		return "device"
	case strings.HasPrefix(path, "/api/v1/"):
		return "api"
	}
	return ""
}
