// Package config loads and validates taskwire configuration.
//
// Configuration is layered: built-in defaults, then one or more config
// files (JSON or YAML), then TASKWIRE_* environment variable overrides.
// Later layers win. File layers are deep-merged, so a layer only needs
// to carry the fields it changes.
package config
