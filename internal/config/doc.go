// Package config handles configuration loading for deskgate.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. The package provides validation and sensible defaults for
// every timing knob.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from DESKGATE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/deskgate/gateway.yaml
//  3. ~/.config/deskgate/gateway.yaml
package config
