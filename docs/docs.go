// Package docs holds the OpenAPI description served under /swagger.
// Regenerate with: swag init -g cmd/mediajobs/main.go
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
        "/health": {
            "get": {
                "produces": ["application/json"],
                "tags": ["system"],
                "summary": "Service health",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/service.Health"}}
                }
            }
        },
        "/languages": {
            "get": {
                "produces": ["application/json"],
                "tags": ["system"],
                "summary": "Supported language codes",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.languagesResp"}}
                }
            }
        },
        "/languages/pairs": {
            "get": {
                "produces": ["application/json"],
                "tags": ["system"],
                "summary": "Supported translation directions",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.languagePairsResp"}}
                }
            }
        },
        "/jobs": {
            "get": {
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "List jobs",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.listResp"}}
                }
            },
            "post": {
                "description": "Stores the uploaded files, validates them and queues the job. Inference runs in the background; poll GET /jobs/{id}.",
                "consumes": ["multipart/form-data"],
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Submit a media job",
                "parameters": [
                    {"type": "string", "description": "lip_sync (default), transcribe, translate or detect_language", "name": "kind", "in": "formData"},
                    {"type": "file", "description": "video file (lip_sync)", "name": "video", "in": "formData"},
                    {"type": "file", "description": "audio file (lip_sync, transcribe, detect_language)", "name": "audio", "in": "formData"},
                    {"type": "file", "description": "text file (translate)", "name": "text", "in": "formData"},
                    {"type": "integer", "description": "lip_sync bounding box shift", "name": "bbox_shift", "in": "formData"},
                    {"type": "string", "description": "transcribe language code", "name": "language", "in": "formData"},
                    {"type": "string", "description": "translate source language", "name": "source_lang", "in": "formData"},
                    {"type": "string", "description": "translate target language", "name": "target_lang", "in": "formData"}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/httptransport.createJobResp"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "503": {"description": "Service Unavailable", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/jobs/{id}": {
            "get": {
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Get job status",
                "parameters": [{"type": "string", "description": "job id (uuid)", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.jobResp"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            },
            "delete": {
                "description": "Removes the job's files and registry entry. Repeating it is safe.",
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Clean up a job",
                "parameters": [{"type": "string", "description": "job id (uuid)", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.deleteResp"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/jobs/{id}/result": {
            "get": {
                "produces": ["application/octet-stream"],
                "tags": ["jobs"],
                "summary": "Download job result",
                "parameters": [{"type": "string", "description": "job id (uuid)", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "file"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        },
        "/jobs/{id}/cancel": {
            "post": {
                "produces": ["application/json"],
                "tags": ["jobs"],
                "summary": "Cancel a job",
                "parameters": [{"type": "string", "description": "job id (uuid)", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/httptransport.jobResp"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/httptransport.apiError"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/httptransport.apiError"}}
                }
            }
        }
    },
    "definitions": {
        "entity.JobError": {
            "type": "object",
            "properties": {"code": {"type": "string"}, "message": {"type": "string"}}
        },
        "httptransport.apiError": {
            "type": "object",
            "properties": {"code": {"type": "string"}, "details": {"type": "string"}, "message": {"type": "string"}}
        },
        "httptransport.createJobResp": {
            "type": "object",
            "properties": {"job_id": {"type": "string"}, "message": {"type": "string"}, "status": {"type": "string"}}
        },
        "httptransport.deleteResp": {
            "type": "object",
            "properties": {"artifacts_removed": {"type": "boolean"}, "job_id": {"type": "string"}, "message": {"type": "string"}}
        },
        "httptransport.jobResp": {
            "type": "object",
            "properties": {
                "completed_at": {"type": "string"},
                "created_at": {"type": "string"},
                "error": {"$ref": "#/definitions/entity.JobError"},
                "job_id": {"type": "string"},
                "kind": {"type": "string"},
                "progress": {"type": "integer"},
                "stage": {"type": "string"},
                "started_at": {"type": "string"},
                "status": {"type": "string"}
            }
        },
        "httptransport.jobSummary": {
            "type": "object",
            "properties": {
                "completed_at": {"type": "string"},
                "created_at": {"type": "string"},
                "job_id": {"type": "string"},
                "kind": {"type": "string"},
                "status": {"type": "string"}
            }
        },
        "httptransport.languagesResp": {
            "type": "object",
            "properties": {"languages": {"type": "array", "items": {"type": "string"}}}
        },
        "httptransport.languagePairsResp": {
            "type": "object",
            "properties": {
                "pairs": {"type": "array", "items": {"$ref": "#/definitions/adapter.LanguagePair"}},
                "total_pairs": {"type": "integer"}
            }
        },
        "adapter.LanguagePair": {
            "type": "object",
            "properties": {
                "source": {"type": "string"},
                "source_name": {"type": "string"},
                "target": {"type": "string"},
                "target_name": {"type": "string"}
            }
        },
        "httptransport.listResp": {
            "type": "object",
            "properties": {
                "jobs": {"type": "array", "items": {"$ref": "#/definitions/httptransport.jobSummary"}},
                "total": {"type": "integer"}
            }
        },
        "service.AdapterHealth": {
            "type": "object",
            "properties": {"error": {"type": "string"}, "ready": {"type": "boolean"}}
        },
        "service.Health": {
            "type": "object",
            "properties": {
                "adapters": {"type": "object", "additionalProperties": {"$ref": "#/definitions/service.AdapterHealth"}},
                "in_flight": {"type": "integer"},
                "in_use": {"type": "integer"},
                "jobs": {"type": "integer"},
                "permits": {"type": "integer"},
                "status": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/",
	Schemes:          []string{},
	Title:            "Media Jobs API",
	Description:      "Submit lip-sync, transcription and translation jobs and fetch their results.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
