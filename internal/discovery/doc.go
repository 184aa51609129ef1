// Package discovery feeds the backend registry from two sources.
//
// Static definitions are YAML files in the backends/ configuration
// directory, one backend per file; the directory is watched with
// fsnotify, so adding, editing or deleting a file registers, updates or
// deregisters the backend without a restart. The probe sweep walks a
// configured list of candidate endpoints at startup, registers the ones
// that answer and learns their capabilities from the backend's tool
// list.
//
// Registration is idempotent: re-discovering a known backend updates it
// in place and keeps its health history.
package discovery
