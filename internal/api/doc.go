// Package api implements the HTTP REST API and dashboard WebSocket hub for
// devlink.
//
// This package provides:
//   - Pairing endpoints driving pairing.Controller
//   - Claim-code redemption through claim.Broker
//   - Device record endpoints and a proxy to each device's own HTTP API
//   - Channel endpoints over channel.Registry, plus binary frame downloads
//   - An activity log of pairing, claims, channel and device commands
//   - A WebSocket hub broadcasting pairing.status, channel.state,
//     channel.message and device.saved events
//   - Middleware stack (request ID, logging, recovery, CORS, body limit,
//     bearer auth)
//
// # Security
//
// When security.jwt.secret is set, every route except health, metrics and
// the WebSocket upgrade requires an HS256 bearer token (see IssueToken).
// WebSocket connections then present a single-use ticket obtained from
// POST /api/v1/auth/ws-ticket, so the token never appears in a URL.
//
// # Graceful Degradation
//
// Pairing, claiming and local discovery are optional dependencies; when
// one is missing its endpoints answer 501 and the rest keep working.
package api
