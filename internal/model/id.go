package model

import "github.com/oklog/ulid/v2"

// NewID returns a new ULID string. Machine IDs sort by creation time, which
// keeps generated socket names and ledger rows in launch order.
func NewID() string {
	return ulid.Make().String()
}
