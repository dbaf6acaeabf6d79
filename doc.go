package tinydoc

/*
TinyDoc is the write path of a document database: a durable document store and the transaction merger that feeds
it. It is intended for teaching and experimentation.

Documents are JSON bodies stored under case-insensitive keys. Every write gets a new etag from a single increasing
sequence and a change vector that orders it against writes made on other replicas. Deletes leave tombstones,
concurrent replicated versions become conflicts, and keys ending in '/' or '|' receive the next free identity of
their prefix.

All writes are commands run by the merger on one goroutine. Commands queued by concurrent callers share a write
transaction, and the commit of one batch overlaps with the execution of the next. A failing command is isolated by
running the rest of its batch again, one command per transaction.

The `tinydoc` module is organized into the following packages under `docdb`:

* `storage`: the transactional substrate, tables over badger.
* `changevector`: change vectors and their comparison.
* `documents`: documents, tombstones, conflicts, collections and identities.
* `merger`: the transaction merger.
* `commands`: write commands (put, delete, patch, batch, replication, conflict resolution).
* `notify`: change notifications, in memory and over redis.
* `subscriptions`: durable subscription state with CEL criteria.
* `config`, `metrics`, `util`: configuration, prometheus metrics, codecs and locks.
* `tinydoc-server`: the server executable.
*/
