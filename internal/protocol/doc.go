// Package protocol defines the wire protocol spoken between the chat server
// and its clients.
//
// Every exchange is carried by a PDU (protocol data unit): a typed, immutable
// record built through one of the named constructors. Three conversation flows
// exist, and all of them follow the same request / event / confirm / response
// shape:
//
//	client A                server                 clients A..N
//	   |--- *_request -------->|                        |
//	   |                       |---- *_event ---------->|  (fan-out)
//	   |                       |<--- *_event_confirm ---|  (fan-in)
//	   |<-- *_response --------|                        |  (after last confirm)
//
// The response to the originator is deferred until every recipient listed at
// broadcast time has confirmed the event. PDUs are never mutated after
// construction; fan-out builds a fresh PDU per recipient.
//
// The package also provides the Connection abstraction used by both sides:
// newline-delimited JSON over a net.Conn, or the same payloads over a
// WebSocket. Send is safe for concurrent use, because events for a peer are
// written by whichever session worker is currently broadcasting.
package protocol
