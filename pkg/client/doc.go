/*
Package client is the producer-facing façade over the task queue's store.

	cl := client.New(st, codec.NewJSONCodec())
	taskID, err := cl.Enqueue(ctx, "send_email", emailArgs{To: "a@example.com"}, time.Time{})
	...
	result, err := cl.GetResult(ctx, taskID, 5*time.Second)

Enqueue generates an opaque task_id, encodes the named handler and its
argument through a codec.Codec, and writes the row via Store.Enqueue.
GetResult either returns the current projection immediately (timeout
zero) or polls the store until the task reaches a terminal status or the
timeout elapses.
*/
package client
