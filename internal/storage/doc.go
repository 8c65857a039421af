// Package storage is the SQLite persistence layer: the append-only ledger
// event log, intents and delivery attempts, subscriptions, the athlete
// roster mirror, chat links, and reminder pacing state.
package storage
