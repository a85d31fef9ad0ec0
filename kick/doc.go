// Package kick decodes Kick's Pusher frames and normalizes them into
// storage-ready records.
//
// Decode turns a raw frame into an Envelope, unwrapping the string-encoded
// data field Pusher uses. A Normalizer then applies one Rule per Kind; kinds
// without a rule, and payloads a rule rejects, become "unknown" records that
// keep the raw frame so nothing received is lost.
package kick
