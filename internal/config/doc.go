// Package config defines the configuration surface of the meta-server
// and loads it from disk.
//
// Configuration resolves in three steps: built-in defaults, then
// config.yaml from the configuration directory, then validation. Backend
// definitions live in a backends/ subdirectory as one YAML file per
// backend and are read by the discovery service, which also watches the
// directory for changes.
package config
