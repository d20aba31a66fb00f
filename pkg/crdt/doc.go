/*
Package crdt implements the replicated text document that backs shared
room editing. It is a replicated growable array (RGA) over runes:
inserts anchor a run of runes to the right of an origin cell, deletes
leave tombstones in place, and concurrent inserts at the same origin
are ordered deterministically by (clock, actor) so every replica
converges to the same text regardless of delivery order.

Each replica carries a state vector (highest clock seen per actor).
Synchronization is delta based: a replica sends its vector, the peer
answers with exactly the ops the vector does not cover. Ops arriving
before their causal predecessors are buffered and integrated once the
gap closes.

The binary codec frames the op log with a magic header; a full state
blob is simply the log in integration order, and replaying it on an
empty document reproduces the replica byte for byte.
*/
package crdt
