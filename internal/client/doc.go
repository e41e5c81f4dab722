// Package client implements the orchestrator that drives a transaction from the initiating side:
// registration at the coordinator, prepare with contention retry, then commit or roll back.
package client
