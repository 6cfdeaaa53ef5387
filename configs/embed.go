// Package configs embeds the configuration templates so they ship in
// every build. 'memvault init' writes ProjectConfigTemplate to
// .memvault.yaml; the user template documents the machine-level file.
package configs

import _ "embed"

// ProjectConfigTemplate is written to .memvault.yaml in the project
// root.
//
//go:embed project-config.example.yaml
var ProjectConfigTemplate string

// UserConfigTemplate documents ~/.config/memvault/config.yaml.
//
//go:embed user-config.example.yaml
var UserConfigTemplate string
