// Package config provides centralized configuration management for the
// CrossFlow runtime: a single JSON file with typed sections for the server,
// intent pipeline, queue and storage drivers, price polling and logging.
// Defaults are applied for omitted fields and relative paths are resolved
// against the config file's directory.
package config
