/*
Package api is the controller's HTTPS surface over the capability
registry.

Endpoints and their registry operations:

	GET    /health            liveness; degraded (503) when the journal is failing
	POST   /register          Registry.Register
	POST   /heartbeat         Registry.Heartbeat (404 for unknown workers)
	DELETE /deregister/{id}   Registry.Deregister (idempotent)
	POST   /route             Registry.Route (404 when no healthy provider)
	GET    /capabilities      provider counts per capability key
	GET    /workers           operator view of every registered worker
	GET    /metrics           Prometheus exposition

The server only exists as HTTPS: Start builds the listener from the
controller's certificate bundle with client verification against the
fleet CA. GET /health stays reachable without a client certificate for
orchestrator probes; every other endpoint requires a verified peer or,
during migrations, the configured PLATFORM_AUTH_TOKEN bearer.

Error bodies are uniform {"detail": ...} strings. Registry error types
map onto statuses: validation 400, unknown worker 404, persistence 500.
Correlation ids arrive in X-Correlation-ID and are echoed on responses;
request bodies never reach the logs.
*/
package api
