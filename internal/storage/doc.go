// Package storage provides the persistence collaborator of the coordinator: versioned blobs addressed
// by (zone, key) with compare-and-set writes. Backends are an in-memory map and LevelDB.
package storage
