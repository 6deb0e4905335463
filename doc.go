/*
Package beandb implements transactional, indexed, persistent containers of
records (“beans”) on top of a key-value store (Bolt, or an in-memory store
for tests).

We implement:

1. Containers, ordered collections of beans addressed by position. Positions
are always dense: removing a bean shifts everything after it down by one.

2. Single beans, standalone records addressed by an ID and stored in a shared
table with a generic, growing column set.

3. Transaction scopes, which stage additions, removals and value changes in a
private ledger until commit. A scope claims every container and single bean
it touches; a second scope touching the same entity fails immediately with
ErrConcurrentTransaction.

# Technical Details

**Two coordinate systems.**
Inside a scope, callers address beans by their current index, i.e. the
position they see with the scope's own staged changes applied. The Loader
only knows initial indices, i.e. positions in the persisted snapshot. The
ledger translates between the two.

**Commit phases.**
A commit replays the ledger through the Applier in a fixed order: additions
(per container), removals (one call), container value changes, single bean
value changes. A failing phase aborts the rest; the scope keeps its claims
until rolled back.

## Storage layout

**Container rows** live in bucket “containers/<name>”. The key is an 8-byte
big-endian position with the sign bit flipped, so negative positions (used
while sorting) order before non-negative ones. The value is msgpack of
{type name, field values}.

**Container metadata** lives in bucket “meta” under “container:<name>”.

**Single beans** live in bucket “beans” keyed by ID. Values are serialized to
text per field kind and stored under generic column names c0, c1, ..., so that
records of different types can share the table. The number of columns is kept
in “meta” under “beans.columns” and only ever grows while beans exist that
use it.
*/
package beandb
