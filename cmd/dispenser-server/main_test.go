package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/pilldispenser/dispenser/internal/config"
	"github.com/pilldispenser/dispenser/internal/platform/db"
)

const seedJSON = `[
  {"codeId": "ABC1234", "medicines": [{"name": "Paracetamol - 500mg"}, {"name": "Unknown Syrup"}], "doctor": "Dr. Rao"},
  {"codeId": "XYZ9876", "medicines": "[\"Ibuprofen - 400mg\"]"}
]`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	seed := filepath.Join(t.TempDir(), "seed.json")
	if err := os.WriteFile(seed, []byte(seedJSON), 0o644); err != nil {
		t.Fatalf("write seed file: %v", err)
	}
	return &config.Config{
		Port:               "0",
		Env:                "test",
		CORSOrigins:        []string{"*"},
		RateLimitRPS:       100,
		RateLimitBurst:     100,
		BodyLimit:          "64K",
		RequestTimeout:     time.Minute,
		PatientCodePattern: `^[A-Za-z0-9]{7}$`,
		StoreDriver:        config.StoreMemory,
		SeedFile:           seed,
		SlotMapPreset:      "numeric",
		DeviceMode:         config.DeviceDegraded,
		SerialBaud:         9600,
		SerialReadTimeout:  time.Second,
		DevicePollInterval: 10 * time.Millisecond,
		DeviceWaitTimeout:  time.Second,
	}
}

func newTestServer(t *testing.T) (*echo.Echo, *app) {
	t.Helper()
	a, err := newApp(context.Background(), testConfig(t), zerolog.New(io.Discard), true)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(a.Close)
	return newServer(a), a
}

func do(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	e, _ := newTestServer(t)

	rec := do(e, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if body["status"] != "ok" || body["session"] != "degraded" {
		t.Errorf("unexpected health body: %v", body)
	}

	rec = do(e, http.MethodGet, "/health/db", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"store":"memory"`) {
		t.Errorf("unexpected /health/db response %d: %s", rec.Code, rec.Body.String())
	}
}

func TestServer_Dispense(t *testing.T) {
	e, _ := newTestServer(t)

	rec := do(e, http.MethodPost, "/api/v1/dispense", `{"patientCode":"ABC1234"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Dispenser-Session") != "degraded" {
		t.Errorf("expected session header, got %q", rec.Header().Get("X-Dispenser-Session"))
	}
	if rec.Header().Get(echo.HeaderXRequestID) == "" {
		t.Error("expected request id header")
	}

	var body struct {
		Status         string   `json:"status"`
		Tablets        []string `json:"tablets"`
		Unmapped       []string `json:"unmapped"`
		DeviceResponse []string `json:"deviceResponse"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to unmarshal response: %v", err)
	}
	if body.Status != "success" {
		t.Errorf("expected success, got %q", body.Status)
	}
	if len(body.Tablets) != 1 || body.Tablets[0] != "1" {
		t.Errorf("expected tablets [1], got %v", body.Tablets)
	}
	if len(body.Unmapped) != 1 || body.Unmapped[0] != "Unknown Syrup" {
		t.Errorf("expected Unknown Syrup unmapped, got %v", body.Unmapped)
	}
	if len(body.DeviceResponse) != 1 || body.DeviceResponse[0] != "OK" {
		t.Errorf("expected degraded ack, got %v", body.DeviceResponse)
	}

	metrics := do(e, http.MethodGet, "/metrics", "")
	if metrics.Code != http.StatusOK {
		t.Fatalf("expected 200 from /metrics, got %d", metrics.Code)
	}
	if !strings.Contains(metrics.Body.String(), `dispenser_operations_total{operation="dispense",outcome="success"} 1`) {
		t.Errorf("expected dispense counter in metrics output")
	}
	if !strings.Contains(metrics.Body.String(), `dispenser_access_total{action="dispense",status_class="2xx"} 1`) {
		t.Errorf("expected audited dispense access in metrics output")
	}
}

func TestServer_DispenseRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.DispenseRateLimitRPS = 0.01
	cfg.DispenseRateLimitBurst = 1
	a, err := newApp(context.Background(), cfg, zerolog.New(io.Discard), true)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(a.Close)
	e := newServer(a)

	if rec := do(e, http.MethodPost, "/api/v1/dispense", `{"patientCode":"ABC1234"}`); rec.Code != http.StatusOK {
		t.Fatalf("first dispense: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	rec := do(e, http.MethodPost, "/api/v1/dispense", `{"patientCode":"ABC1234"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second dispense: expected 429, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"code":"RATE_LIMITED"`) {
		t.Errorf("expected RATE_LIMITED envelope, got %s", rec.Body.String())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	for i := 0; i < 3; i++ {
		if rec := do(e, http.MethodPost, "/api/v1/prescriptions/lookup", `{"patientCode":"ABC1234"}`); rec.Code != http.StatusOK {
			t.Fatalf("lookup %d: expected 200, got %d", i+1, rec.Code)
		}
	}
}

func TestServer_LookupStringEncodedMedicines(t *testing.T) {
	e, _ := newTestServer(t)

	rec := do(e, http.MethodPost, "/api/v1/prescriptions/lookup", `{"patientId":"XYZ9876"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"tablets":["2"]`) {
		t.Errorf("expected tablet 2, got %s", rec.Body.String())
	}
}

func TestServer_ErrorEnvelopes(t *testing.T) {
	e, _ := newTestServer(t)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
		wantBody   string
	}{
		{"invalid format", http.MethodPost, "/api/v1/dispense", `{"patientCode":"abc"}`, http.StatusBadRequest, `"code":"INVALID_FORMAT"`},
		{"not found", http.MethodPost, "/api/v1/dispense", `{"patientCode":"NOPE000"}`, http.StatusNotFound, `"code":"NOT_FOUND"`},
		{"unknown route", http.MethodGet, "/api/v1/nothing", "", http.StatusNotFound, `"code":"ROUTE_NOT_FOUND"`},
		{"legacy missing id", http.MethodPost, "/get-prescription", `{}`, http.StatusBadRequest, `"error":"Patient ID is required"`},
		{"legacy not found", http.MethodPost, "/get-prescription", `{"patientId":"NOPE000"}`, http.StatusNotFound, `No prescription found`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, tt.method, tt.path, tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("expected body to contain %s, got %s", tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestServer_LegacyRoutes(t *testing.T) {
	e, _ := newTestServer(t)

	rec := do(e, http.MethodGet, "/", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "Home Page Route" {
		t.Errorf("unexpected home response %d: %q", rec.Code, rec.Body.String())
	}

	rec = do(e, http.MethodPost, "/get-prescription", `{"patientId":"ABC1234"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"doctor":"Dr. Rao"`) {
		t.Errorf("expected stored document fields, got %s", rec.Body.String())
	}
}

func TestServer_DeviceStatus(t *testing.T) {
	e, _ := newTestServer(t)

	rec := do(e, http.MethodGet, "/api/v1/device", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "degraded") {
		t.Errorf("expected degraded mode, got %s", rec.Body.String())
	}
}

func TestServer_OpenAPI(t *testing.T) {
	e, _ := newTestServer(t)

	rec := do(e, http.MethodGet, "/api/openapi.json", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "DEVICE_NO_RESPONSE") {
		t.Errorf("expected error codes in the document")
	}
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.StoreDriver = "redis"
	if _, err := openStore(context.Background(), cfg, zerolog.New(io.Discard)); err == nil {
		t.Fatal("expected error for unknown store driver")
	}
}

func TestOpenStore_SQLiteSeedAndLookup(t *testing.T) {
	cfg := testConfig(t)
	cfg.StoreDriver = config.StoreSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "rx.db")

	h, err := openStore(context.Background(), cfg, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer h.close()

	rec, err := h.store.FindByCode(context.Background(), "ABC1234")
	if err == nil {
		t.Fatalf("expected empty sqlite store, found %+v", rec)
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := rootCmd()
	want := []string{"serve", "dispense", "lookup", "ports", "migrate", "seed"}
	for _, name := range want {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("expected subcommand %q, got %v (%v)", name, cmd, err)
		}
	}
	for _, name := range []string{"up", "status"} {
		cmd, _, err := root.Find([]string{"migrate", name})
		if err != nil || cmd.Name() != name {
			t.Errorf("expected migrate %q, got %v (%v)", name, cmd, err)
		}
	}
}

func TestPipelineCmd_RequiresCode(t *testing.T) {
	root := rootCmd()
	root.SetArgs([]string{"lookup"})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	if err := root.Execute(); err == nil {
		t.Fatal("expected error without a patient code")
	}
}

func TestPrintMigrationStatus(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	printMigrationStatus(&buf, []db.MigrationStatus{
		{Version: 1, Name: "001_prescriptions.sql", Applied: true, AppliedAt: &at},
		{Version: 2, Name: "002_indexes.sql"},
	})

	out := buf.String()
	if !strings.Contains(out, "applied    2026-03-01 12:00:00") {
		t.Errorf("expected applied row, got:\n%s", out)
	}
	if !strings.Contains(out, "002_indexes.sql") || !strings.Contains(out, "pending") {
		t.Errorf("expected pending row, got:\n%s", out)
	}
}
