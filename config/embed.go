// Package config provides the embedded default configuration for wsrelay.
package config

import (
	_ "embed"
)

// DefaultConfigYAML is the annotated default configuration written by
// 'wsrelay config create'.
//
//go:embed config.default.yaml
var DefaultConfigYAML []byte
