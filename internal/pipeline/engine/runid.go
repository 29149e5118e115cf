package engine

import "github.com/oklog/ulid/v2"

// NewRunID returns a lexically sortable, filesystem-safe run id.
func NewRunID() string {
	return ulid.Make().String()
}
