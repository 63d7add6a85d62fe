// Package types holds the shared domain and wire types of the fleet:
// capability definitions and keys, worker registrations, and the JSON
// request/response bodies of the controller API. Unknown JSON fields in
// registrations and capability definitions are preserved verbatim, not
// dropped.
package types
