// Package coordinator keeps the authoritative record of each transaction's outcome.
// Records live in a bounded cache in front of a CAS-protected persistence store and are removed
// once every participant has acknowledged the outcome.
package coordinator
