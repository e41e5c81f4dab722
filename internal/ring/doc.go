// Package ring locates coordinator nodes. It routes a transaction uuid to one node through a
// consistent hashing ring with virtual nodes and exposes the ordered replica set used in quorum mode.
package ring
