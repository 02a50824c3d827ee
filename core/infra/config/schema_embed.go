package config

import "embed"

const gatewaySchemaFile = "schema/agentgate.schema.json"

//go:embed schema/*.json
var configSchemaFS embed.FS
