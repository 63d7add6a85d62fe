// Package config resolves the controller, worker and CA configuration
// from environment variables, with validated defaults. Durations are
// given as integer seconds.
package config
