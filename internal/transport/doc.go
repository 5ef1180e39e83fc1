// Package transport carries wire envelopes between ring chat servers over
// mutually authenticated TLS streams.
//
// # Overview
//
// Every connection is a stream of newline-terminated JSON envelopes. Two
// patterns run over it:
//
//   - Ring calls are one-shot: Dialer.Call opens a fresh connection, writes one
//     envelope, reads at most one reply and closes. The whole exchange is
//     bounded by a timeout.
//   - Client sessions are long-lived: a chat client keeps its connection open
//     and exchanges any number of envelopes.
//
// # Worker Pool
//
// Server accepts connections and serves each on its own goroutine, but never
// more than MaxInflight at once. Accepting blocks while the pool is full, so a
// burst of peers backs up in the kernel's listen queue instead of spawning
// unbounded goroutines.
//
// # Security
//
// LoadTLS builds one tls.Config used for both directions: it presents the
// node's certificate, trusts only the cluster CA, and requires and verifies a
// client certificate on every inbound connection. Passing a nil config to
// Listen and Dialer gives plain TCP, which is meant for local development.
//
// # Example
//
//	cfg, err := transport.LoadTLS(transport.TLSFiles{
//	    CertFile: "node.crt", KeyFile: "node.key", CAFile: "ca.crt",
//	})
//	ln, err := transport.Listen(":7000", cfg)
//	srv := transport.NewServer(ln, handler, 64)
//	go srv.Serve(ctx)
//
//	d := &transport.Dialer{TLS: cfg, Timeout: 5 * time.Second}
//	reply, err := d.Call(ctx, "10.0.0.2:7000", env)
package transport
