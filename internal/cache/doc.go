// Package cache implements the durable disk LRU cache that backs every
// download. Entries live under <Dir>/entries/<key>; a line-oriented journal at
// <Dir>/journal records edit starts, commits, removals and read accesses so the
// index and its recency order can be rebuilt after an unclean shutdown.
//
// Writers obtain an exclusive Editor per key, stream bytes into a temp file and
// either Commit (atomic rename + CLEAN record + eviction under the byte budget)
// or Abort (temp file discarded, nothing journaled). Readers only ever observe
// fully committed entries. When the journal is unreadable the cache falls back
// to scanning the entries directory and writes a fresh journal.
package cache
