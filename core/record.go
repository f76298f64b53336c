package core

// Record is one frame traversing the pipeline: a newline-terminated NDJSON
// line plus the acknowledgement handle the producing source attached to it.
// A Record is consumed by exactly one worker; after dispatch the worker owns
// the ack.
type Record struct {
	Payload []byte
	Ack     Ack
}
