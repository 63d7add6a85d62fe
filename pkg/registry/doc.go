/*
Package registry is the controller's capability registry and router.

State lives in memory, rebuilt at startup by replaying an append-only
JSONL journal; every mutation is fsynced to the journal before it is
acknowledged. Worker health is derived, not stored: a worker is healthy
while its last heartbeat is within the configured timeout.

Routing picks the earliest-registered healthy provider for a capability
key, where "earliest" means the lowest journal sequence of the
registration currently in effect. Re-registration replaces a worker's
capability set and moves it to the back of that order.
*/
package registry
