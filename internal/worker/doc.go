// Package worker wraps one duplex channel stream to a worker process with an
// outbound queue, independent read/write pumps, and a pending-request table
// correlated by request ID. Both the gateway and the worker-side host use the
// same Connection type for their end of the stream.
package worker
