// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so request validation works in
// installed binaries and on remote launch hosts without schema files on disk.
package schemasassets

import _ "embed"

// ExecutionRequestSchema is the embedded execution-request JSON schema.
//
//go:embed execution-request.schema.json
var ExecutionRequestSchema []byte
