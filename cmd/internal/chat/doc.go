// Package chat defines the messaging domain: conversations between exactly two
// participants, the append-only per-conversation message log, and the storage
// contracts implemented by memstore, pgstore and badgerstore.
//
// Ownership model:
//   - ConversationStore owns Conversation records (summary, unread counters).
//   - MessageLog owns Message records and is the only writer of Sequence.
//   - Neither store checks membership; that is the messaging service's job.
package chat
