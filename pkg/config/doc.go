// Package config loads the controller-scope configuration: a YAML file
// merged over built-in defaults, validated bounds, and duration helpers
// for the timing knobs.
package config
