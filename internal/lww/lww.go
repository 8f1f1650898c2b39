// Package lww is the last-write-wins conflict resolver shared by the server
// store and every local replica.
//
// A write is accepted iff no record exists yet or its stamp is strictly
// greater than the stored one. Equal stamps are rejected, which makes
// redelivery of the same write a no-op. Because the rule depends only on the
// (stamp, value) pairs and not on arrival order, replicas that see the same
// set of writes in any order converge.
package lww

import "github.com/Mschirtzinger/quill/internal/schema"

// Accept reports whether an incoming write stamped incoming replaces the
// stored value stamped existing.
func Accept(existing schema.Stamp, exists bool, incoming schema.Stamp) bool {
	if !exists {
		return true
	}
	return incoming > existing
}

// Resolve picks the winner between two versions of the same record. Ties
// keep current.
func Resolve(current, incoming schema.Record) schema.Record {
	if current == nil {
		return incoming
	}
	if Accept(current.Version(), true, incoming.Version()) {
		return incoming
	}
	return current
}
