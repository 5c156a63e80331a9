// Package udpflow implements the server side of one proxied UDP flow.
//
// The tunnel multiplexer hands each flow a connection identifier. When the
// first datagram for a flow arrives from the tunnel, the flow lazily creates
// a UDP socket whose address family matches the destination literal, sends
// the datagram, and registers the socket with the readiness poller. Response
// datagrams are forwarded back into the tunnel tagged with the flow
// identifier and the true sender's endpoint.
//
// # Lifecycle
//
//  1. Multiplexer receives a DATA frame for a new connection identifier
//  2. FlowConnection is created; the first send opens the socket session
//  3. Datagrams relay in both directions; the session reads one datagram
//     per readiness event
//  4. CLOSE frames half-close the flow per direction; when both directions
//     are closed the session is torn down and the socket released exactly
//     once
//
// UDP send and receive failures on an open session are fatal to the flow:
// the proxy fails closed rather than guessing whether the OS error was
// transient. Address-parse and socket-creation failures only drop the
// offending datagram and leave the flow open.
package udpflow
