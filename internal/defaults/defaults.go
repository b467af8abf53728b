// Package defaults provides embedded copies of the example daemon
// config and service files for the mirage init subcommand.
package defaults

import "embed"

// ConfigYAML is the example daemon configuration.
//
//go:embed mirage.example.yaml
var ConfigYAML []byte

// Services holds the example service definitions under services/.
//
//go:embed services/*.json
var Services embed.FS
