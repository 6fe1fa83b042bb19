// Package mongo wires the budget.Store interface to the MongoDB client.
// Deployments that outgrow the JSON file store point the engine here and keep
// everything else unchanged.
package mongo

import (
	"context"
	"errors"

	"goa.design/fleet/budget"
	clientsmongo "goa.design/fleet/features/budget/mongo/clients/mongo"
)

// Options configures the Store wrapper.
type Options struct {
	Client clientsmongo.Client
}

// Store implements budget.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed budget store using the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: opts.Client}, nil
}

// NewStoreFromMongo is a helper that instantiates the underlying client using
// the given options.
func NewStoreFromMongo(opts clientsmongo.Options) (*Store, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: client})
}

// Load reads the persisted budget document.
func (s *Store) Load(ctx context.Context) (budget.Document, error) {
	return s.client.Load(ctx)
}

// Save writes the budget document.
func (s *Store) Save(ctx context.Context, doc budget.Document) error {
	return s.client.Save(ctx, doc)
}
