package reelpipe

import "github.com/reelpipe/reelpipe/id"

// ID is the primary identifier type for all reelpipe entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
