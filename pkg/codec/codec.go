// Package codec provides the opaque bidirectional mapping between an
// in-memory call (a named handler plus an argument value) and the byte
// blobs the store persists. The store and worker never look inside a
// payload or result blob; encoding and decoding is entirely this package's
// concern.
package codec

import "context"

// Call is the decoded form of a task payload: which registered handler to
// invoke, and the argument value to invoke it with.
type Call struct {
	Handler  string
	Argument any
}

// Handler is user code registered under a name and invoked by the worker
// once its task is reserved. It receives the decoded argument value and
// returns a value to be encoded as the result, or an error.
type Handler func(ctx context.Context, argument any) (any, error)

// Codec turns a Call and a return value into opaque bytes, and back. Every
// codec implementation must satisfy: for any x it accepts,
// DecodeValue(EncodeValue(x)) is observationally equal to x.
type Codec interface {
	// EncodeTask turns a Call into bytes suitable for Store.Enqueue's
	// payload argument.
	EncodeTask(call Call) ([]byte, error)

	// DecodeTask is the inverse of EncodeTask.
	DecodeTask(payload []byte) (Call, error)

	// EncodeValue turns a handler's return value into bytes suitable for
	// Store.MarkSuccess's result argument.
	EncodeValue(value any) ([]byte, error)

	// DecodeValue is the inverse of EncodeValue.
	DecodeValue(data []byte) (any, error)
}
