// Package metrics defines the fleet's Prometheus collectors and the
// periodic registry gauge sampler. Counters are incremented at the call
// sites that own the outcome; gauges are sampled by the Collector.
package metrics
