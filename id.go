package relister

import "github.com/crosslist/relister/id"

// ID is the primary identifier type for all relister entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
