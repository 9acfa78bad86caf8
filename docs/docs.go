// Package docs serves the OpenAPI document for the registration API through
// gin-swagger. Regenerate with `swag init -g cmd/server/main.go` after
// changing handler annotations.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/status": {
            "get": {
                "produces": ["application/json"],
                "tags": ["system"],
                "summary": "Liveness check",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.StatusResponse"}}
                }
            }
        },
        "/registrations": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["registrations"],
                "summary": "List a requester's registrations",
                "parameters": [
                    {"type": "string", "name": "whatsapp_id", "in": "query", "required": true},
                    {"type": "integer", "name": "page", "in": "query"},
                    {"type": "integer", "name": "page_size", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListRegistrationsResponse"}},
                    "304": {"description": "Not Modified"},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["registrations"],
                "summary": "Submit a registration",
                "description": "A repeated Idempotency-Key returns the first registration id with Idempotency-Replayed: true.",
                "parameters": [
                    {"type": "string", "name": "Idempotency-Key", "in": "header"},
                    {"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/services.RegistrationRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/handlers.SubmitResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "422": {"description": "Unprocessable Entity", "schema": {"$ref": "#/definitions/handlers.ValidationErrorResponse"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/registrations/{id}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["registrations"],
                "summary": "Get a registration",
                "parameters": [{"type": "integer", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.Registration"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/registrations/outcome": {
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["registrations"],
                "summary": "Report a worker outcome",
                "parameters": [{"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.OutcomeRequest"}}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.OutcomeResponse"}},
                    "422": {"description": "Unprocessable Entity", "schema": {"$ref": "#/definitions/handlers.ValidationErrorResponse"}},
                    "500": {"description": "Internal Server Error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/chat/turns": {
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["chat"],
                "summary": "Run one conversation turn",
                "parameters": [{"name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.ChatTurnRequest"}}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ChatTurnResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/chat/conversations/{whatsapp_id}": {
            "delete": {
                "security": [{"BearerAuth": []}],
                "tags": ["chat"],
                "summary": "Reset a conversation",
                "parameters": [{"type": "string", "name": "whatsapp_id", "in": "path", "required": true}],
                "responses": {"204": {"description": "No Content"}}
            }
        }
    },
    "definitions": {
        "domain.Registration": {
            "type": "object",
            "properties": {
                "id": {"type": "integer"},
                "whatsapp_id": {"type": "string"},
                "name": {"type": "string"},
                "nik": {"type": "string"},
                "branch_code": {"type": "string"},
                "date_requested": {"type": "string"},
                "status": {"type": "string", "enum": ["pending", "processing", "success", "failed"]},
                "queue_number": {"type": "string"},
                "notes": {"type": "string"},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "services.RegistrationRequest": {
            "type": "object",
            "required": ["whatsapp_id", "nik", "branch_code", "date_requested"],
            "properties": {
                "whatsapp_id": {"type": "string", "example": "6281234567890"},
                "name": {"type": "string", "example": "Noval FTR"},
                "nik": {"type": "string", "example": "3603192309880004"},
                "branch_code": {"type": "string", "example": "BINTARO"},
                "date_requested": {"type": "string", "example": "2025-11-01"}
            }
        },
        "handlers.SubmitResponse": {
            "type": "object",
            "properties": {
                "message": {"type": "string", "example": "Pendaftaran berhasil diantrikan."},
                "registration_id": {"type": "integer", "example": 42}
            }
        },
        "handlers.OutcomeRequest": {
            "type": "object",
            "properties": {
                "registration_id": {"type": "integer", "example": 42},
                "status": {"type": "string", "enum": ["success", "failed"]},
                "queue_number": {"type": "string", "example": "A-017"},
                "notes": {"type": "string"}
            }
        },
        "handlers.OutcomeResponse": {
            "type": "object",
            "properties": {
                "message": {"type": "string", "example": "Status pendaftaran berhasil diperbarui."},
                "applied": {"type": "boolean"},
                "status": {"type": "string"}
            }
        },
        "handlers.ChatTurnRequest": {
            "type": "object",
            "required": ["whatsapp_id"],
            "properties": {
                "whatsapp_id": {"type": "string", "example": "6281234567890"},
                "text": {"type": "string", "example": "daftar"}
            }
        },
        "handlers.ChatTurnResponse": {
            "type": "object",
            "properties": {
                "reply": {"type": "string"},
                "registration_id": {"type": "integer"}
            }
        },
        "handlers.Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total": {"type": "integer"},
                "total_pages": {"type": "integer"},
                "has_next": {"type": "boolean"}
            }
        },
        "handlers.ListRegistrationsResponse": {
            "type": "object",
            "properties": {
                "registrations": {"type": "array", "items": {"$ref": "#/definitions/domain.Registration"}},
                "pagination": {"$ref": "#/definitions/handlers.Pagination"}
            }
        },
        "handlers.StatusResponse": {
            "type": "object",
            "properties": {
                "status": {"type": "string", "example": "API running"},
                "time": {"type": "string"}
            }
        },
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {
                "request_id": {"type": "string"},
                "code": {"type": "string", "example": "not_found"},
                "message": {"type": "string"}
            }
        },
        "handlers.ValidationErrorResponse": {
            "type": "object",
            "properties": {
                "request_id": {"type": "string"},
                "code": {"type": "string", "example": "validation_failed"},
                "message": {"type": "string", "example": "Validasi gagal"},
                "errors": {"type": "object", "additionalProperties": {"type": "string"}}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Queue Registration API",
	Description:      "Registration intake, dispatch to the automation worker and outcome reconciliation.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
