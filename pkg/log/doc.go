// Package log wraps zerolog behind a small global logger with helpers
// for the fields every component uses (component, worker_id,
// correlation_id). Init is called once from the CLI entrypoint.
package log
