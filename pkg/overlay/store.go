// Package overlay looks up local "materialized" records for externally
// sourced tickets. A ticket is materialized when it receives a local
// assignment; the aggregation path only reads these records and copies
// their assignment fields onto fetched tickets.
package overlay

import "context"

// Materialized holds the local assignment state of one external ticket.
type Materialized struct {
	// AgentID is the locally assigned agent, if any.
	AgentID string

	// WorkflowID is the locally assigned workflow, if any.
	WorkflowID string
}

// Store is the local lookup consumed by the aggregation engine.
type Store interface {
	// FindMaterialized returns the materialized record for
	// (providerID, externalID), or (nil, nil) when none exists. The lookup
	// must not create or mutate local state.
	FindMaterialized(ctx context.Context, providerID, externalID string) (*Materialized, error)
}

// Discard is a Store with no records. Useful for tests and deployments
// without local materialization.
var Discard Store = discardStore{}

type discardStore struct{}

func (discardStore) FindMaterialized(ctx context.Context, providerID, externalID string) (*Materialized, error) {
	return nil, nil
}
