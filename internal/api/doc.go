// Package api serves the state of a running cluster over HTTP.
//
// Routes:
//
//	GET  /healthz                            liveness
//	GET  /readyz                             200 only while the cluster is Running
//	GET  /metrics                            prometheus collectors (WithMetrics)
//	GET  /api/status                         cluster state and connection info
//	GET  /api/processes                      per-process snapshots
//	POST /api/stop                           stop the cluster
//	POST /api/processes/{role}/{index}/kill  kill one process
//	GET  /api/chaos                          attack statistics (WithChaos)
//	POST /api/chaos/{kill|suspend}           run one attack (WithChaos)
//	GET  /ws                                 websocket stream of status and events
package api
