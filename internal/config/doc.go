// Package config defines the application's configuration structure and
// loading logic. Configuration is read from defaults, an optional YAML file,
// and environment variables with the PAPERQ_ prefix, then validated before
// use.
package config
