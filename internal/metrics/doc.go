// Package metrics provides Prometheus collectors for a local cluster harness.
//
// Every Metrics value owns its own registry, so several clusters in one test
// binary never collide on collector registration.
//
// # Basic Usage
//
//	m := metrics.New()
//	m.RecordLaunch("storage-server", metrics.ResultSuccess)
//	m.AddRunning("storage-server", 1)
//
//	http.Handle("/metrics", m.Handler())
//
// # Nil Safety
//
// All recording methods accept a nil receiver, so components can take an
// optional *Metrics without guarding each call.
package metrics
