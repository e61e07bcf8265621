// Package traitable provides persistent, self-describing objects whose fields
// (traits) are declared once per class and shared by every instance; A computed
// trait is derived from other traits by a getter, and the values it derives are
// memoized in a dependency graph that invalidates them as soon as one of their
// inputs changes.
//
// Specifically, a Class declares three kinds of traits: data traits store a
// value, computed traits evaluate a Getter, and reference traits store the
// Identity of another persisted object. Data traits flagged IsIdentity form the
// key of an object within the collection named after its class; at most one
// live Object exists per identity in a Runtime.
//
// Every read and write happens through a Session, which carries a stack of
// execution contexts (see Flags) toggling graph tracking, type checks and
// conversions. Sessions persist objects through a DocumentStore with optimistic
// concurrency: each save is guarded by the revision the object was loaded at.
// Classes that keep history also record an immutable HistoryEntry per revision,
// which lets a Session load objects as of a past time (see Session.AsOf) and
// restore them.
//
// The cloudstore, redisstore and neo4jstore packages implement DocumentStore on
// top of gocloud.dev/docstore, Redis and Neo4j respectively; the storetest
// package holds the conformance suite they share.
package traitable
