// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so manifest validation works
// regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// CIManifestSchema is the embedded CI manifest JSON schema.
//
//go:embed ci-manifest.schema.json
var CIManifestSchema []byte
