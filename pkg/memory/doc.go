// Package memory is the volatile store behind a session's analysis.
//
// Entries live in an in-process SQLite database and are tagged with the
// session that produced them and a scope. Session-scoped entries are
// reclaimed when the session is evicted; global entries are keyed by topic
// and survive so later sessions on the same topic can recall them.
//
// Invariants:
// - A Put is visible to every subsequent Get and Query (read-your-writes).
// - Query matches the session id exactly or the topic/title by substring.
// - Vector search is only available when an Embedder is configured.
//
// Usage:
//
//	store, _ := memory.NewStore(memory.Config{Logger: logger})
//	defer store.Close()
//	_ = store.Put(ctx, memory.SummaryKey(sessionID, itemID), result, memory.Metadata{SessionID: sessionID, Kind: memory.KindSummary})
//	entries, _ := store.Query(ctx, sessionID, memory.WithKind(memory.KindSummary))
package memory
