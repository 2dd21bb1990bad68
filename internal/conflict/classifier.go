// Package conflict decides whether a pushed record conflicts with the server
// copy and what to do about it.
package conflict

import "github.com/rongwang/fieldops-server/internal/models"

// Category of a detected conflict.
type Category string

const (
	CategoryNone       Category = "none"
	CategoryFinancial  Category = "financial"
	CategoryStaleWrite Category = "stale_write"
)

// Decision is the classifier output for one pushed record.
type Decision struct {
	Conflict bool
	Category Category
}

var noConflict = Decision{Conflict: false, Category: CategoryNone}

// Classify compares the client's version of a record with the stored one.
// serverVersion is nil when the server has no copy of the record.
//
// Financial tables never auto-merge: once the server holds a copy, every
// push goes to manual review, whether the client claims an update
// (version > 1) or re-creates a record that already exists. Non-financial
// tables use last-write-wins; a client behind the server is a stale write.
func Classify(table models.TableName, clientVersion int64, serverVersion *int64) Decision {
	if serverVersion == nil {
		return noConflict
	}

	if table.IsFinancial() {
		return Decision{Conflict: true, Category: CategoryFinancial}
	}

	if clientVersion < *serverVersion {
		return Decision{Conflict: true, Category: CategoryStaleWrite}
	}
	return noConflict
}

// NextVersion is the version stored when a client payload is applied.
// Creations keep the client's version; updates move past both sides.
func NextVersion(clientVersion int64, serverVersion *int64) int64 {
	if serverVersion == nil {
		if clientVersion < 1 {
			return 1
		}
		return clientVersion
	}
	if clientVersion > *serverVersion {
		return clientVersion + 1
	}
	return *serverVersion + 1
}
