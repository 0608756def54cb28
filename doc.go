// Package histstore stores opaque email payloads exactly once in a
// content-addressable file store and maintains a searchable, sortable,
// filterable index of history records referencing them.
//
// A [Store] composes three parts:
//   - a content-addressable payload store (one file per unique SHA-256,
//     see the cas subpackage),
//   - a metadata index holding history records and the blob ledger
//     (refcounts and sizes, see the index subpackage),
//   - an eviction policy bounding retention by least-recent access.
//
// # Quick start
//
//	store, err := histstore.New("/var/lib/mailhistory")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	rec, err := store.Ingest(ctx, raw, "invoice.eml", "inbox://42", &histstore.EmailMetadata{
//	    Subject:     "Invoice",
//	    SenderEmail: "billing@example.com",
//	})
//
// Ingesting bytes identical to an already-stored payload deduplicates:
// by default the existing record is refreshed and returned with the same
// ID. [WithRefCountedDedup] restores the legacy behavior of one record
// per ingest, with the ledger counting references per blob.
//
// All mutations are serialized through a single lock and commit the
// payload file strictly before any index state referencing it, so
// readers never observe a record whose payload is missing or partial.
// After each mutation the store publishes an immutable ordered snapshot
// to subscribers for reactive list rendering.
package histstore
