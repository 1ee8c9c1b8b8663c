package openapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Generator builds the OpenAPI 3.0 document for the dispenser HTTP API.
type Generator struct {
	version     string
	baseURL     string
	codePattern string
	errorCodes  []string
}

// NewGenerator creates a new OpenAPI spec generator. codePattern is the
// patient code regular expression and errorCodes the values of
// error.code in the failure envelope.
func NewGenerator(version, baseURL, codePattern string, errorCodes []string) *Generator {
	return &Generator{version: version, baseURL: baseURL, codePattern: codePattern, errorCodes: errorCodes}
}

// GenerateSpec produces the OpenAPI 3.0 spec as a map.
func (g *Generator) GenerateSpec() map[string]interface{} {
	paths := map[string]interface{}{
		"/api/v1/prescriptions/lookup": map[string]interface{}{
			"post": g.pipelineOperation("lookupPrescription", "Resolve a patient code and map its medicines to slot codes",
				"Lookup"),
		},
		"/api/v1/dispense": map[string]interface{}{
			"post": g.pipelineOperation("dispense", "Resolve a patient code and dispense the mapped tablets",
				"Dispense"),
		},
		"/api/v1/device": map[string]interface{}{
			"get": map[string]interface{}{
				"summary":     "Device session status",
				"operationId": "deviceStatus",
				"tags":        []string{"Device"},
				"responses": map[string]interface{}{
					"200": buildResponseWithSchema("Session status", "#/components/schemas/DeviceStatus"),
				},
			},
		},
		"/get-prescription": map[string]interface{}{
			"post": map[string]interface{}{
				"summary":     "Return the stored prescription document",
				"operationId": "getPrescription",
				"tags":        []string{"Legacy"},
				"requestBody": buildRequestBody(),
				"responses": map[string]interface{}{
					"200": buildResponseWithSchema("Prescription document", "#/components/schemas/Prescription"),
					"400": buildResponseWithSchema("Patient ID is required", "#/components/schemas/LegacyError"),
					"404": buildResponseWithSchema("No prescription found", "#/components/schemas/LegacyError"),
					"500": buildResponseWithSchema("Internal server error", "#/components/schemas/LegacyError"),
				},
			},
		},
		"/health": map[string]interface{}{
			"get": plainOperation("health", "Liveness", "Ops"),
		},
		"/health/db": map[string]interface{}{
			"get": plainOperation("storeHealth", "Prescription store health", "Ops"),
		},
	}

	spec := map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":       "Pill Dispenser API",
			"version":     g.version,
			"description": "Prescription lookup and dispenser control",
		},
		"servers": []map[string]string{
			{"url": g.baseURL},
		},
		"paths": paths,
		"components": map[string]interface{}{
			"schemas": g.buildComponentSchemas(),
		},
	}

	return spec
}

func (g *Generator) pipelineOperation(id, summary, tag string) map[string]interface{} {
	errRef := "#/components/schemas/ErrorEnvelope"
	return map[string]interface{}{
		"summary":     summary,
		"operationId": id,
		"tags":        []string{tag},
		"requestBody": buildRequestBody(),
		"responses": map[string]interface{}{
			"200": buildResponseWithSchema("Success", "#/components/schemas/DispenseResult"),
			"400": buildResponseWithSchema("Invalid patient code format", errRef),
			"404": buildResponseWithSchema("Not found or nothing mappable", errRef),
			"429": buildResponseWithSchema("Rate limited", errRef),
			"500": buildResponseWithSchema("Internal or device write failure", errRef),
			"503": buildResponseWithSchema("Device session unavailable", errRef),
			"504": buildResponseWithSchema("Frame sent, no device response", errRef),
		},
	}
}

func plainOperation(id, summary, tag string) map[string]interface{} {
	return map[string]interface{}{
		"summary":     summary,
		"operationId": id,
		"tags":        []string{tag},
		"responses": map[string]interface{}{
			"200": map[string]interface{}{"description": "Healthy"},
			"503": map[string]interface{}{"description": "Unhealthy"},
		},
	}
}

func buildRequestBody() map[string]interface{} {
	return map[string]interface{}{
		"required": true,
		"content": map[string]interface{}{
			"application/json": map[string]interface{}{
				"schema": map[string]string{"$ref": "#/components/schemas/CodeRequest"},
			},
		},
	}
}

func buildResponseWithSchema(description, schemaRef string) map[string]interface{} {
	return map[string]interface{}{
		"description": description,
		"content": map[string]interface{}{
			"application/json": map[string]interface{}{
				"schema": map[string]string{"$ref": schemaRef},
			},
		},
	}
}

func stringArray() map[string]interface{} {
	return map[string]interface{}{
		"type":  "array",
		"items": map[string]string{"type": "string"},
	}
}

func (g *Generator) buildComponentSchemas() map[string]interface{} {
	codeSchema := map[string]interface{}{"type": "string"}
	if g.codePattern != "" {
		codeSchema["pattern"] = g.codePattern
	}
	errorCode := map[string]interface{}{"type": "string"}
	if len(g.errorCodes) > 0 {
		errorCode["enum"] = g.errorCodes
	}

	return map[string]interface{}{
		"CodeRequest": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"patientCode": codeSchema,
				"patientId":   map[string]interface{}{"type": "string", "description": "Alias of patientCode"},
			},
		},
		"Medicine": map[string]interface{}{
			"type":                 "object",
			"required":             []string{"name"},
			"properties":           map[string]interface{}{"name": map[string]string{"type": "string"}},
			"additionalProperties": true,
		},
		"Prescription": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"codeId": map[string]string{"type": "string"},
				"medicines": map[string]interface{}{
					"type":  "array",
					"items": map[string]string{"$ref": "#/components/schemas/Medicine"},
				},
			},
			"additionalProperties": true,
		},
		"DispenseResult": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"status":         map[string]interface{}{"type": "string", "enum": []string{"success", "error"}},
				"mode":           map[string]interface{}{"type": "string", "enum": []string{"lookup", "dispense"}},
				"patientCode":    map[string]string{"type": "string"},
				"tablets":        stringArray(),
				"unmapped":       stringArray(),
				"prescription":   map[string]string{"$ref": "#/components/schemas/Prescription"},
				"deviceResponse": stringArray(),
			},
		},
		"ErrorEnvelope": map[string]interface{}{
			"type":     "object",
			"required": []string{"status", "error"},
			"properties": map[string]interface{}{
				"status": map[string]interface{}{"type": "string", "enum": []string{"error"}},
				"error": map[string]interface{}{
					"type":     "object",
					"required": []string{"code", "message"},
					"properties": map[string]interface{}{
						"code":    errorCode,
						"message": map[string]string{"type": "string"},
					},
				},
				"mode": map[string]string{"type": "string"},
				"tablets": map[string]interface{}{
					"type":        "array",
					"items":       map[string]string{"type": "string"},
					"description": "Present on DEVICE_NO_RESPONSE: the frame was sent",
				},
			},
		},
		"DeviceStatus": map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"mode":    map[string]interface{}{"type": "string", "enum": []string{"serial", "degraded"}},
				"address": map[string]string{"type": "string"},
				"pending": map[string]string{"type": "integer"},
				"closed":  map[string]string{"type": "boolean"},
			},
		},
		"LegacyError": map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"error": map[string]string{"type": "string"}},
		},
	}
}

// RegisterRoutes registers the OpenAPI endpoint.
func (g *Generator) RegisterRoutes(apiGroup *echo.Group) {
	apiGroup.GET("/openapi.json", func(c echo.Context) error {
		return c.JSON(http.StatusOK, g.GenerateSpec())
	})
}
