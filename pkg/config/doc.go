// Package config loads Kiln daemon configuration from a YAML file with a
// KILN_-prefixed environment variable overlay. Every knob has a documented
// default; Load never returns a config that fails Validate.
package config
