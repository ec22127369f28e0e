// Package config provides configuration management for the shield.
// Configuration is loaded from a YAML file with environment variable
// overrides; environment variables take precedence.
package config
