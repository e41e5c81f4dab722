// Package txn defines the transaction data model shared by coordinators, participants and clients:
// status ordering, merge rules, error kinds and the binary codec used for persistence and transport.
package txn
