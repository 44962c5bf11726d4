// Package rudp implements a reliable, ordered, flow- and
// congestion-controlled, encrypted byte-stream transport layered on top of
// UDP.
//
// A [Client] performs a three-way handshake with in-band key agreement,
// segments a byte stream into fixed-size chunks, and drives a cumulative-ACK
// retransmission and Reno-style congestion-control loop until every byte is
// acknowledged by the peer. A [Server] accepts connections from one or more
// peers, reconstructs each peer's byte stream in order via an out-of-order
// reassembly buffer, and advertises a receive window back to the sender.
//
// The wire format, handshake, congestion control and flow control are
// described in the package-level constants and in the Conn, Client and
// Server types. Parsing a file or synthetic payload, picking a transport
// mode from command line flags, and rendering metrics are left to callers;
// this package only implements the protocol engine.
package rudp
