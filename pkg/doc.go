// Package calcmir groups the public packages of calcmir.
//
// # Overview
//
// The packages under pkg/ can be used on their own to talk to a calcmir
// server or proxy, or to embed one:
//
//	cl, err := client.Dial(ctx, config.DefaultClient(), logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer cl.Close()
//
//	answer, err := cl.Evaluate(ctx, expression.Sqrt(expression.Num(16)))
//
// # Components
//
// Protocol (pkg/protocol):
//   - Fixed 10-byte header with request, show_steps and cache_result flags
//   - Expression and result payloads, error payloads with a message
//   - ProtocolError, ClientError and ServerError, mapped to status codes
//
// Expressions (pkg/expression, pkg/evaluator):
//   - Constants, named constants, binary and unary operators, calls
//   - Evaluation one reduction at a time, innermost first
//   - Arithmetic failures reported as client errors
//
// Cache (pkg/cache):
//   - Responses keyed by the encoded expression and the show_steps flag
//   - A hit needs both the server and the client horizon to be open
//   - Concurrent misses on the same key share one origin fetch
//
// Origin selection (pkg/hash):
//   - Consistent hash ring with virtual nodes
//   - Identical expressions always reach the same origin
//
// # Thread Safety
//
// The client, the cache engine and the hash ring are safe for concurrent use.
// Expression trees are immutable once built.
package calcmir
