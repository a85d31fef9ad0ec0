// Package chat runs one supervised session per monitored Kick channel.
//
// A Session owns a channel's connection lifecycle: it connects through a
// Transport, feeds every inbound frame through the kick decoder and
// normalizer, appends the resulting records to a storage.Sink in arrival
// order, answers keepalives and reconnects with capped exponential backoff.
// Connection or storage faults never leave the session; they surface as
// state (Backoff, Degraded) and counters.
//
// The Registry is the operator surface. It persists channel configuration,
// starts a session for each configured channel, isolates session panics and
// serializes pause, resume and remove per channel.
package chat
