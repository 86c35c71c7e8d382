// Package docs registers the OpenAPI document served at /swagger when
// SWAGGER_ENABLED is set. Regenerate with `swag init -g internal/http/router.go`.
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
        "/deep-dives/{subjectId}/turns": {
            "post": {
                "description": "Relays the turn to the inference service and streams progress, then exactly one complete or error frame as data: <json> lines.",
                "consumes": ["application/json"],
                "produces": ["text/event-stream"],
                "tags": ["Conversations"],
                "summary": "Submit a deep-dive turn",
                "operationId": "submitDeepDiveTurn",
                "parameters": [
                    {"type": "string", "description": "Bearer session token", "name": "Authorization", "in": "header"},
                    {"type": "string", "description": "Guest device token", "name": "X-Guest-Token", "in": "header"},
                    {"type": "string", "description": "Subject (company) id", "name": "subjectId", "in": "path", "required": true},
                    {"description": "Turn payload", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.SubmitTurnRequest"}}
                ],
                "responses": {
                    "200": {"description": "event stream", "schema": {"type": "string"}},
                    "400": {"description": "Invalid input or conversation completed", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "401": {"description": "No identity", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "402": {"description": "Insufficient balance", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Conversation busy", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "503": {"description": "Upstream unavailable", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "504": {"description": "Upstream timeout", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/reviews/{subjectId}/turns": {
            "post": {
                "description": "Same contract as the deep-dive turn, under the document-review billing policy.",
                "consumes": ["application/json"],
                "produces": ["text/event-stream"],
                "tags": ["Conversations"],
                "summary": "Submit a document-review turn",
                "operationId": "submitReviewTurn",
                "parameters": [
                    {"type": "string", "description": "Bearer session token", "name": "Authorization", "in": "header"},
                    {"type": "string", "description": "Guest device token", "name": "X-Guest-Token", "in": "header"},
                    {"type": "string", "description": "Subject (document) id", "name": "subjectId", "in": "path", "required": true},
                    {"description": "Turn payload", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.SubmitTurnRequest"}}
                ],
                "responses": {
                    "200": {"description": "event stream", "schema": {"type": "string"}},
                    "400": {"description": "Invalid input or conversation completed", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "401": {"description": "No identity", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "402": {"description": "Insufficient balance", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Conversation busy", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "503": {"description": "Upstream unavailable", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "504": {"description": "Upstream timeout", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/deep-dives/{subjectId}": {
            "get": {
                "description": "Returns the persisted deep-dive for the caller. Supports weak ETag via If-None-Match and may return 304.",
                "produces": ["application/json"],
                "tags": ["Conversations"],
                "summary": "Get deep-dive state",
                "operationId": "getDeepDive",
                "parameters": [
                    {"type": "string", "description": "Subject (company) id", "name": "subjectId", "in": "path", "required": true},
                    {"type": "string", "description": "Return 304 if ETag matches", "name": "If-None-Match", "in": "header"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ConversationResponse"}},
                    "304": {"description": "Not Modified", "schema": {"type": "string"}},
                    "401": {"description": "No identity", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "No conversation yet", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/reviews/{subjectId}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["Conversations"],
                "summary": "Get document-review state",
                "operationId": "getReview",
                "parameters": [
                    {"type": "string", "description": "Subject (document) id", "name": "subjectId", "in": "path", "required": true},
                    {"type": "string", "description": "Return 304 if ETag matches", "name": "If-None-Match", "in": "header"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ConversationResponse"}},
                    "304": {"description": "Not Modified", "schema": {"type": "string"}},
                    "401": {"description": "No identity", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "No conversation yet", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/balance": {
            "get": {
                "description": "Returns the account balance, monthly allocation, next reset and the total consumed, reconstructed from the ledger. A due monthly reset is applied first.",
                "produces": ["application/json"],
                "tags": ["Billing"],
                "summary": "Current credit balance",
                "operationId": "getBalance",
                "parameters": [
                    {"type": "string", "description": "Bearer session token", "name": "Authorization", "in": "header", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/services.BalanceView"}},
                    "401": {"description": "No identity", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "403": {"description": "Guests have no balance", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/balance/entries": {
            "get": {
                "description": "Returns the account's ledger entries, newest first.",
                "produces": ["application/json"],
                "tags": ["Billing"],
                "summary": "Ledger entries (paginated)",
                "operationId": "listLedgerEntries",
                "parameters": [
                    {"type": "string", "description": "Bearer session token", "name": "Authorization", "in": "header", "required": true},
                    {"minimum": 1, "type": "integer", "default": 1, "description": "Page number", "name": "page", "in": "query"},
                    {"maximum": 100, "minimum": 1, "type": "integer", "default": 20, "description": "Items per page", "name": "page_size", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListEntriesResponse"}},
                    "401": {"description": "No identity", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "403": {"description": "Guests have no ledger", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/companies/lookup": {
            "post": {
                "description": "Proxies the lookup to the inference service. Guests are limited per day; accounts are charged the configured cost once per Idempotency-Key.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Companies"],
                "summary": "Look up a company",
                "operationId": "lookupCompany",
                "parameters": [
                    {"type": "string", "description": "Bearer session token", "name": "Authorization", "in": "header"},
                    {"type": "string", "description": "Guest device token", "name": "X-Guest-Token", "in": "header"},
                    {"type": "string", "description": "Retry key; a repeated key is not charged again", "name": "Idempotency-Key", "in": "header"},
                    {"description": "Lookup payload", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.LookupCompanyRequest"}}
                ],
                "responses": {
                    "200": {"description": "Upstream lookup result", "schema": {"type": "object"}, "headers": {"Idempotency-Replayed": {"type": "string", "description": "true when the key was already charged"}}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "401": {"description": "No identity", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "402": {"description": "Insufficient balance or guest limit", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "503": {"description": "Upstream unavailable", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "504": {"description": "Upstream timeout", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/guest/migrate": {
            "post": {
                "description": "One-time migration of the guest identified by X-Guest-Token. Conversations for subjects the account already has stay with the guest. An expired, unknown or already migrated guest yields 404 and nothing changes.",
                "produces": ["application/json"],
                "tags": ["Guests"],
                "summary": "Move guest conversations to the signed-in account",
                "operationId": "migrateGuest",
                "parameters": [
                    {"type": "string", "description": "Bearer session token", "name": "Authorization", "in": "header", "required": true},
                    {"type": "string", "description": "Guest device token", "name": "X-Guest-Token", "in": "header", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.MigrateGuestResponse"}},
                    "400": {"description": "Missing guest token", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "401": {"description": "No identity", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "403": {"description": "Account session required", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Guest not eligible", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "domain.LedgerEntry": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "account_id": {"type": "string"},
                "reference_id": {"type": "string"},
                "amount": {"type": "integer"},
                "reason": {"type": "string"},
                "created_at": {"type": "string"}
            }
        },
        "domain.Scores": {
            "type": "object",
            "properties": {
                "motivation": {"type": "integer"},
                "fit": {"type": "integer"},
                "specificity": {"type": "integer"},
                "consistency": {"type": "integer"}
            }
        },
        "domain.Turn": {
            "type": "object",
            "properties": {
                "role": {"type": "string"},
                "text": {"type": "string"}
            }
        },
        "handlers.ConversationResponse": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "kind": {"type": "string"},
                "subject_id": {"type": "string"},
                "turns": {"type": "array", "items": {"$ref": "#/definitions/domain.Turn"}},
                "turn_count": {"type": "integer"},
                "scores": {"$ref": "#/definitions/domain.Scores"},
                "next_prompt": {"type": "string"},
                "status": {"type": "string"},
                "charges": {"type": "integer"},
                "created_at": {"type": "string"},
                "updated_at": {"type": "string"}
            }
        },
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {
                "request_id": {"type": "string", "example": "123e4567-e89b-12d3-a456-426614174000"},
                "code": {"type": "string", "example": "insufficient_balance"},
                "message": {"type": "string", "example": "not enough credits for this action"}
            }
        },
        "handlers.ListEntriesResponse": {
            "type": "object",
            "properties": {
                "entries": {"type": "array", "items": {"$ref": "#/definitions/domain.LedgerEntry"}},
                "pagination": {"$ref": "#/definitions/handlers.Pagination"}
            }
        },
        "handlers.LookupCompanyRequest": {
            "type": "object",
            "properties": {
                "query": {"type": "string", "example": "Acme Holdings"}
            }
        },
        "handlers.MigrateGuestResponse": {
            "type": "object",
            "properties": {
                "migrated": {"type": "integer", "example": 2}
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
        "handlers.SubmitTurnRequest": {
            "type": "object",
            "properties": {
                "message": {"type": "string", "example": "I want to work on payments infrastructure."}
            }
        },
        "services.BalanceView": {
            "type": "object",
            "properties": {
                "balance": {"type": "integer"},
                "monthly_allocation": {"type": "integer"},
                "next_reset_at": {"type": "string"},
                "debits": {"type": "integer"},
                "consumed": {"type": "integer"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Deep-dive relay API",
	Description:      "Streaming relay for deep-dive and document-review conversations with credit metering.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
