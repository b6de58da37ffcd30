// Package engine is a transactional, callback-driven key/value storage engine.
//
// A Factory manages named databases inside one data directory. Each database
// holds object stores of keyed records, and each store may carry secondary
// indexes. Every read and write is a Request issued against a Transaction;
// the Request reports its outcome through OnSuccess/OnError callbacks fired
// from the transaction's worker goroutine, in issuance order.
//
// Schema changes happen only inside the version-change transaction handed to
// OpenHandlers.OnUpgradeNeeded, which runs when a database is opened with a
// version higher than the stored one. Before an upgrade starts, every other
// open connection to the database receives a version-change notification;
// connections that stay open block the upgrade.
//
// # Storage layout
//
// The engine sits on a store.Backend (bbolt, SQLite or LevelDB). Records live
// in one bucket per object store keyed by the encoded primary key; index
// entries live in one bucket per index keyed by the encoded index key followed
// by the encoded primary key. Schema metadata, the database version and key
// generator state are kept in the "meta" bucket. Values are encoded with CBOR.
//
// Keys are numbers, strings, byte strings or arrays of keys, ordered
// number < string < binary < array. The key encoding preserves that order and
// is prefix-free, so key ranges map directly onto backend byte ranges.
package engine
