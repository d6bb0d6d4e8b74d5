// Package gateway hosts the lane-gateway server components.
//
// # Overview
//
// The gateway package owns the scheduler, run bus, orchestrator, optional
// event ledger, and the HTTP and gRPC servers. New wires everything from a
// config.Config; Run serves until its context is canceled.
//
// # HTTP API
//
// The gateway exposes HTTP endpoints in api.go:
//
//   - POST /agent - Accept a run (query params or JSON body)
//   - GET /agent/wait - Block until a run finishes or timeoutMs passes
//   - GET /agent/events - SSE stream of one run (runId) or live session events
//   - GET /agent/history - Events of a run, from memory or the ledger
//   - GET /agent/transcript - Markdown or HTML transcript of a run
//   - GET /api/lanes - Lane queue depth, active count, and cap
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check
//
// Metrics are served at metrics.path when enabled.
//
// # SSE Streaming
//
// Run events are streamed as Server-Sent Events, one frame per event:
//
//	id: 4
//	event: assistant
//	data: {"runId":"...","seq":4,"stream":"assistant","data":{"text":"..."}}
//
// A runId stream replays from seq 1 and ends after the terminal lifecycle
// event. The session stream is live only and may drop events for slow
// clients.
//
// # gRPC
//
// When server.grpc_addr is set (or Tailscale is enabled) a gRPC server
// exposes grpc.health.v1.Health. The empty service name reports overall
// status and each configured lane is reported as "lane:<name>". Everything
// switches to NOT_SERVING on shutdown.
//
// # Tailscale
//
// With tailscale.enabled the gateway joins the tailnet through tsnet and
// serves gRPC on :50051 and HTTP on :80, :443 with tailnet certificates, or
// through Funnel.
package gateway
