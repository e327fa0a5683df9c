// Package metrics exposes capture session counters as Prometheus
// collectors in the openvizsla_capture_* namespace.
//
// Collectors are created per registry with [NewCapture], or shared through
// [Default]. Every recording method accepts a nil receiver, so code that
// records metrics does not need to check whether they are enabled.
package metrics
