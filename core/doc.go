// Package core defines the types shared by every layer of the VitaView
// request security pipeline.
//
// # Overview
//
// The core package provides:
//   - Request, the parsed inbound HTTP request every layer inspects
//   - Principal, the identity attached to a request once a session token is recognized
//   - Network helpers for /24 (IPv4) and /64 (IPv6) prefix comparisons and IP/CIDR sets
//   - Client-facing response codes shared by the 403 writers
//   - RedisCache, the JSON-over-Redis cache backing distributed stores
//
// Components never talk to net/http directly; the api package converts an
// *http.Request with FromHTTP once and hands the same *Request down the chain.
package core
