// Package quorum invokes one logical coordinator call against either a single hashed node
// or an R-of-N replica set, retrying CAS conflicts and folding replica replies together.
package quorum
