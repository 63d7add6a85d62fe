/*
Package worker is the runtime a capability provider embeds to join the
fleet. A service supplies its name, capability definitions and HTTP
routes; the runtime supplies everything else:

  - certificate bundle, loaded from disk or bootstrapped from the CA
  - the HTTPS listener (there is no plaintext mode), bound before the
    worker reports healthy
  - controller registration and the heartbeat loop, including one
    re-registration when the controller forgets the worker
  - the STARTING → HEALTHY ⇄ DEGRADED → STOPPING health state machine,
    driven by heartbeat outcomes
  - certificate expiry monitoring
  - LIFO shutdown hooks with per-hook timeouts, so a wedged callback
    cannot block process exit

With no controller configured the runtime serves standalone: the same
listener and health endpoint, no registration traffic and no error
noise about it.
*/
package worker
