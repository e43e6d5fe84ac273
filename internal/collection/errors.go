package collection

import (
	"errors"
	"fmt"

	"github.com/hyperengineering/drift/internal/validation"
)

// ErrItemNotFound reports an update or remove of an item whose
// tracking id is not known to the collection.
var ErrItemNotFound = errors.New("item not found in collection")

// LockedError reports a lock acquisition that lost to another owner.
type LockedError struct {
	TrackingID string
	Owner      string
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("item %s is locked by transaction %s", e.TrackingID, e.Owner)
}

// SchemaError reports a validator rejection. It carries the full
// issues list.
type SchemaError struct {
	Issues []validation.Issue
}

func (e *SchemaError) Error() string {
	if len(e.Issues) == 0 {
		return "schema validation failed"
	}
	first := e.Issues[0]
	if first.Path != "" {
		return fmt.Sprintf("schema validation failed: %s %s (%d issue(s))", first.Path, first.Message, len(e.Issues))
	}
	return fmt.Sprintf("schema validation failed: %s (%d issue(s))", first.Message, len(e.Issues))
}
