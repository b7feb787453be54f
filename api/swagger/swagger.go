package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Reimbursement API",
        "description": "Employee expense reimbursement workflow service",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Authentication", "description": "Login, token refresh and session management"},
        {"name": "Reimbursements", "description": "Expense claim submission and workflow"},
        {"name": "Reports", "description": "Month and year aggregation reports"}
    ],
    "paths": {
        "/health": {
            "get": {
                "summary": "Health check",
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/ready": {
            "get": {
                "summary": "Readiness check",
                "responses": {
                    "200": {"description": "Ready"},
                    "503": {"description": "Degraded"}
                }
            }
        },
        "/auth/login": {
            "post": {
                "tags": ["Authentication"],
                "summary": "Authenticate and obtain tokens",
                "responses": {
                    "200": {"description": "Tokens issued", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "401": {"description": "Invalid credentials"}
                }
            }
        },
        "/reimbursements": {
            "post": {
                "tags": ["Reimbursements"],
                "summary": "Submit a reimbursement request",
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Validation error"}
                }
            },
            "get": {
                "tags": ["Reimbursements"],
                "summary": "List reimbursement requests",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/reimbursements/{id}": {
            "get": {
                "tags": ["Reimbursements"],
                "summary": "Fetch one request with items",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Not found"}
                }
            },
            "delete": {
                "tags": ["Reimbursements"],
                "summary": "Delete a request and its items",
                "responses": {
                    "204": {"description": "Deleted"},
                    "403": {"description": "Administrators only"}
                }
            }
        },
        "/reimbursements/{id}/approve": {
            "post": {
                "tags": ["Reimbursements"],
                "summary": "Approve a pending request",
                "responses": {
                    "200": {"description": "Approved"},
                    "409": {"description": "Invalid transition"}
                }
            }
        },
        "/reimbursements/{id}/reject": {
            "post": {
                "tags": ["Reimbursements"],
                "summary": "Reject a pending request",
                "responses": {
                    "200": {"description": "Rejected"},
                    "409": {"description": "Invalid transition"}
                }
            }
        },
        "/reimbursements/{id}/pay": {
            "post": {
                "tags": ["Reimbursements"],
                "summary": "Mark an approved request as paid",
                "responses": {
                    "200": {"description": "Paid"},
                    "409": {"description": "Invalid transition"}
                }
            }
        },
        "/reports/month": {
            "get": {
                "tags": ["Reports"],
                "summary": "Total reimbursements for a calendar month",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/reports/year": {
            "get": {
                "tags": ["Reports"],
                "summary": "Total reimbursements for a calendar year",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
