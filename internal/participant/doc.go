// Package participant implements the participant ledger: the per-participant index of running and
// finished transactions, the resource lock table with wound-wait ordering, and the background
// reconciliation that settles transactions with the coordinator.
package participant
