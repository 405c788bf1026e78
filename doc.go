// Package calcmir evaluates arithmetic expressions remotely, with a caching
// proxy between clients and servers.
//
// A client sends an expression tree to a server over TCP using a compact
// binary protocol. The server evaluates it and answers with the result and,
// on request, the sequence of rewriting steps that led to it. A proxy can sit
// in between: it answers repeated expressions from its cache while both the
// server's and the client's freshness horizons allow it, and forwards
// everything else.
//
// # Architecture Overview
//
//   - Protocol: 10-byte header followed by a binary payload (pkg/protocol)
//   - Expressions: constants, operators and function calls (pkg/expression)
//   - Evaluator: innermost-first reduction producing steps (pkg/evaluator)
//   - Cache engine: dual-horizon response cache (pkg/cache)
//   - Origin ring: consistent hashing over several servers (pkg/hash)
//   - Client SDK: one connection, requests in order (pkg/client)
//   - Server harness: accept loop shared by server and proxy (internal/server)
//
// # Quick Start
//
//	calc-server -p 9999
//	calc-proxy --proxy-port 9998 --server-port 9999
//	calc-client -p 9998 --expr 1 --expr 3
//
// The same expression sent twice through the proxy is answered from the cache
// the second time:
//
//	Result: 6
//	Steps:
//	max(2, 3) + 3 = 3 + 3
//	              = 6
//
// # Configuration
//
// Every flag can also be set with a CALCMIR_ environment variable or in a YAML
// file passed with --config:
//
//	CALCMIR_CACHE_CONTROL=60 calc-server
//	calc-proxy --config proxy.yaml
//
// # Package Structure
//
//   - pkg/protocol: wire codec, typed errors, response policy
//   - pkg/expression: expression model and arithmetic
//   - pkg/evaluator: step-generating evaluation
//   - pkg/cache: proxy cache engine
//   - pkg/hash: consistent hash ring of origins
//   - pkg/client: client SDK
//   - pkg/config: server, proxy and client configuration
//   - pkg/logging: zap logger setup
//   - pkg/metrics: Prometheus collectors
//   - internal/server: connection harness
//   - internal/calculator: server request handler
//   - internal/proxy: proxy request handler and origin forwarder
//   - internal/catalog: predefined and YAML expressions
//   - cmd/server, cmd/proxy, cmd/client: executables
package calcmir
