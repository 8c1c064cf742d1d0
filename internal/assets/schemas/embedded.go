// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time to ensure the CLI and library work
// correctly regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// PolicySchemaURL is the resource name the policy schema is compiled under.
const PolicySchemaURL = "verifier/v1/pipeline-policy.schema.json"

// PolicySchema is the embedded pipeline-policy JSON schema.
//
// This allows policy documents to be validated in installed binaries and library
// consumers without requiring the schema files to be present on disk.
//
//go:embed pipeline-policy.schema.json
var PolicySchema []byte
