// Package config provides configuration loading and validation for the
// streaming ASR service. It handles YAML-based configuration with per-section
// struct validation and duration helpers.
package config
