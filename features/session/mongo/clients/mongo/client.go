// Package mongo hosts the MongoDB client used by the session store.
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

	"goa.design/relay/runtime/agent"
	"goa.design/relay/runtime/agent/session"
)

const (
	defaultSessionsCollection = "relay_sessions"
	defaultOpTimeout          = 5 * time.Second
	sessionClientName         = "session-mongo"
)

// Client exposes Mongo-backed operations for session state.
type Client interface {
	health.Pinger

	// LoadState returns session.ErrSessionNotFound when no document exists.
	LoadState(ctx context.Context, sessionID string) (session.State, error)
	// SaveState replaces the session document, creating it when missing.
	SaveState(ctx context.Context, state session.State) error
}

// Options configures the Mongo session client.
type Options struct {
	Client             *mongodriver.Client
	Database           string
	SessionsCollection string
	Timeout            time.Duration
}

type client struct {
	mongo    *mongodriver.Client
	sessions collection
	timeout  time.Duration
}

// New returns a Client backed by MongoDB. It ensures the unique session index
// exists.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.SessionsCollection
	if name == "" {
		name = defaultSessionsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, coll, timeout)
}

func (c *client) Name() string {
	return sessionClientName
}

func (c *client) Ping(ctx context.Context) error {
	if c.mongo == nil {
		return errors.New("mongo client is not configured")
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) LoadState(ctx context.Context, sessionID string) (session.State, error) {
	if sessionID == "" {
		return session.State{}, errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc sessionDocument
	if err := c.sessions.FindOne(ctx, bson.M{"session_id": sessionID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return session.State{}, session.ErrSessionNotFound
		}
		return session.State{}, err
	}
	return doc.toState(), nil
}

func (c *client) SaveState(ctx context.Context, state session.State) error {
	if state.SessionID == "" {
		return errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.sessions.ReplaceOne(ctx, bson.M{"session_id": state.SessionID}, fromState(state), true)
	return err
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type sessionDocument struct {
	SessionID    string         `bson:"session_id"`
	CurrentAgent string         `bson:"current_agent"`
	Items        []itemDocument `bson:"items"`
	UpdatedAt    time.Time      `bson:"updated_at"`
}

type itemDocument struct {
	Role    string `bson:"role"`
	Content string `bson:"content"`
}

func fromState(s session.State) sessionDocument {
	items := make([]itemDocument, len(s.Items))
	for i, it := range s.Items {
		items[i] = itemDocument{Role: string(it.Role), Content: it.Content}
	}
	return sessionDocument{
		SessionID:    s.SessionID,
		CurrentAgent: string(s.CurrentAgent),
		Items:        items,
		UpdatedAt:    s.UpdatedAt.UTC(),
	}
}

func (doc sessionDocument) toState() session.State {
	var items []session.Item
	if len(doc.Items) > 0 {
		items = make([]session.Item, len(doc.Items))
		for i, it := range doc.Items {
			items[i] = session.Item{Role: session.Role(it.Role), Content: it.Content}
		}
	}
	return session.State{
		SessionID:    doc.SessionID,
		CurrentAgent: agent.Ident(doc.CurrentAgent),
		Items:        items,
		UpdatedAt:    doc.UpdatedAt,
	}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	idx := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.CreateIndex(ctx, idx)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{mongo: mongoClient, sessions: coll, timeout: timeout}, nil
}

// collection is the subset of *mongodriver.Collection used by the client.
type collection interface {
	FindOne(ctx context.Context, filter any) singleResult
	ReplaceOne(ctx context.Context, filter, replacement any, upsert bool) (*mongodriver.UpdateResult, error)
	CreateIndex(ctx context.Context, model mongodriver.IndexModel) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any) singleResult {
	return c.coll.FindOne(ctx, filter)
}

func (c mongoCollection) ReplaceOne(ctx context.Context, filter, replacement any, upsert bool) (*mongodriver.UpdateResult, error) {
	return c.coll.ReplaceOne(ctx, filter, replacement, options.Replace().SetUpsert(upsert))
}

func (c mongoCollection) CreateIndex(ctx context.Context, model mongodriver.IndexModel) (string, error) {
	return c.coll.Indexes().CreateOne(ctx, model)
}
