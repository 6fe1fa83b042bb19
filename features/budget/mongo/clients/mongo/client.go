// Package mongo implements the low-level MongoDB client used by the budget
// store. The whole budget state persists as one document so load and save
// stay atomic without multi-document transactions.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/fleet/budget"
)

const (
	defaultCollection = "budget_documents"
	defaultTimeout    = 5 * time.Second
	documentID        = "budgets"
	clientName        = "budget-mongo"
)

type (
	// Client exposes Mongo-backed operations for the budget document.
	Client interface {
		health.Pinger

		// Load reads the persisted document. Returns an empty document when
		// nothing has been persisted yet.
		Load(ctx context.Context) (budget.Document, error)
		// Save upserts the document.
		Save(ctx context.Context, doc budget.Document) error
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	// document is the persisted shape. The fixed id keeps exactly one
	// document per deployment.
	document struct {
		ID        string                    `bson:"_id"`
		Version   string                    `bson:"version"`
		UpdatedAt time.Time                 `bson:"updatedAt"`
		Configs   map[string]budget.Config  `bson:"configs"`
		Alerts    map[string][]budget.Alert `bson:"alerts"`
	}
)

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:   opts.Client,
		coll:    opts.Client.Database(opts.Database).Collection(collection),
		timeout: timeout,
	}, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

// Load reads the singleton document. A missing document yields an empty one.
func (c *client) Load(ctx context.Context) (budget.Document, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc document
	err := c.coll.FindOne(ctx, bson.M{"_id": documentID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return budget.EmptyDocument(), nil
	}
	if err != nil {
		return budget.Document{}, err
	}
	out := budget.Document{
		Version:   doc.Version,
		UpdatedAt: doc.UpdatedAt,
		Configs:   doc.Configs,
		Alerts:    doc.Alerts,
	}
	if out.Configs == nil {
		out.Configs = make(map[string]budget.Config)
	}
	if out.Alerts == nil {
		out.Alerts = make(map[string][]budget.Alert)
	}
	return out, nil
}

// Save upserts the singleton document.
func (c *client) Save(ctx context.Context, doc budget.Document) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.coll.ReplaceOne(ctx,
		bson.M{"_id": documentID},
		document{
			ID:        documentID,
			Version:   doc.Version,
			UpdatedAt: doc.UpdatedAt,
			Configs:   doc.Configs,
			Alerts:    doc.Alerts,
		},
		options.Replace().SetUpsert(true),
	)
	return err
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, c.timeout)
}
