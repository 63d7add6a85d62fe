/*
Package client is the worker-side controller client.

Client wraps the controller's registration surface (POST /register,
POST /heartbeat, DELETE /deregister/{id}) with JSON payloads, a
correlation id per request, and typed Outcome values derived from the
HTTP status, so callers never branch on raw codes. The http.Client is
supplied by the caller and carries the fleet mTLS configuration; an
optional bearer token rides alongside during migrations.

Heartbeater owns the background liveness loop: one POST /heartbeat per
interval (default 20 s) with a 5 s per-call timeout. Failures never
stop the loop; they are logged at warning level. When the controller
answers unknown_worker, the heartbeater makes one immediate
re-registration attempt through its Reregister hook and resumes. Stop
cancels the loop and waits for the in-flight iteration.
*/
package client
