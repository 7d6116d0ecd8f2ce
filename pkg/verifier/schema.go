package verifier

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// schema wraps a compiled JSON schema for a merged payload.
type schema struct {
	compiled *gojsonschema.Schema
}

func mustSchema(src string) *schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("invalid payload schema: %v", err))
	}
	return &schema{compiled: s}
}

func (s *schema) validate(fields map[string]interface{}) ValidationResult {
	res, err := s.compiled.Validate(gojsonschema.NewGoLoader(fields))
	if err != nil {
		return ValidationResult{Valid: false, Errors: []string{err.Error()}}
	}
	if res.Valid() {
		return ValidationResult{Valid: true}
	}
	out := ValidationResult{Valid: false}
	for _, e := range res.Errors() {
		out.Errors = append(out.Errors, e.String())
	}
	return out
}

const portSchema = `{"anyOf": [
	{"type": "integer", "minimum": 1, "maximum": 65535},
	{"type": "string", "pattern": "^[0-9]{1,5}$"}
]}`

var sshSchema = mustSchema(`{
	"type": "object",
	"properties": {
		"host": {"type": "string", "minLength": 1},
		"port": ` + portSchema + `,
		"username": {"type": "string", "minLength": 1},
		"password": {"type": "string"},
		"private_key": {"type": "string", "minLength": 1},
		"passphrase": {"type": "string"}
	},
	"required": ["host", "username"],
	"anyOf": [
		{"required": ["password"], "properties": {"password": {"minLength": 1}}},
		{"required": ["private_key"]}
	]
}`)

var windowsSchema = mustSchema(`{
	"type": "object",
	"properties": {
		"host": {"type": "string", "minLength": 1},
		"port": ` + portSchema + `,
		"username": {"type": "string", "minLength": 1},
		"password": {"type": "string", "minLength": 1},
		"domain": {"type": "string"},
		"method": {"enum": ["winrm", "smb", "rdp", "wmi"]}
	},
	"required": ["host", "username", "password"]
}`)

var databaseSchema = mustSchema(`{
	"type": "object",
	"properties": {
		"host": {"type": "string", "minLength": 1},
		"port": ` + portSchema + `,
		"username": {"type": "string"},
		"password": {"type": "string"},
		"database": {"type": "string"},
		"database_type": {"enum": ["auto", "postgresql", "postgres", "pg", "mysql", "mariadb", "sqlserver", "mssql", "oracle", "mongodb", "mongo", "redis"]}
	},
	"required": ["host", "password"]
}`)

var websiteSchema = mustSchema(`{
	"type": "object",
	"properties": {
		"url": {"type": "string", "pattern": "^https?://"},
		"login_url": {"type": "string", "pattern": "^https?://"},
		"host": {"type": "string", "minLength": 1},
		"port": ` + portSchema + `,
		"method": {"enum": ["basic", "form", "digest", "bearer", "api_key", "oauth"]}
	},
	"anyOf": [{"required": ["url"]}, {"required": ["login_url"]}, {"required": ["host"]}]
}`)

var certificateSchema = mustSchema(`{
	"type": "object",
	"properties": {
		"certificate": {"type": "string", "minLength": 1},
		"certificate_path": {"type": "string", "minLength": 1},
		"private_key": {"type": "string"},
		"role": {"enum": ["ca", "code_signing", "server", "client"]},
		"host": {"type": "string"},
		"port": ` + portSchema + `
	},
	"anyOf": [{"required": ["certificate"]}, {"required": ["certificate_path"]}]
}`)

var apiTokenSchema = mustSchema(`{
	"type": "object",
	"properties": {
		"token": {"type": "string", "minLength": 1},
		"auth_type": {"enum": ["bearer", "api_key", "basic"]},
		"endpoint": {"type": "string", "pattern": "^https?://"}
	},
	"required": ["token"]
}`)
