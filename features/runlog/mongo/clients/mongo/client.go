// Package mongo implements the MongoDB client used by the turn event journal.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/relay/runtime/agent"
	"goa.design/relay/runtime/agent/runlog"
	"goa.design/relay/runtime/agent/stream"
)

type (
	// Client exposes Mongo-backed operations for the event journal.
	Client interface {
		health.Pinger

		Append(ctx context.Context, e stream.Event) error
		List(ctx context.Context, sessionID, cursor string, limit int) (runlog.Page, error)
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
		coll    collection
		timeout time.Duration
	}

	eventDocument struct {
		ID        bson.ObjectID `bson:"_id,omitempty"`
		SessionID string        `bson:"session_id"`
		TurnID    string        `bson:"turn_id"`
		Seq       int           `bson:"seq"`
		Type      string        `bson:"type"`
		Agent     string        `bson:"agent,omitempty"`
		Payload   []byte        `bson:"payload,omitempty"`
		Timestamp time.Time     `bson:"timestamp"`
	}
)

const (
	defaultCollection = "relay_turn_events"
	defaultTimeout    = 5 * time.Second
	clientName        = "runlog-mongo"
)

// New returns a Client backed by the provided MongoDB client. It ensures the
// journal indexes exist.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	wrapper := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if c.mongo == nil {
		return errors.New("mongo client is not configured")
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

// Append inserts the event. The unique (session_id, turn_id, seq) index turns
// republished events into duplicate key errors, which are ignored.
func (c *client) Append(ctx context.Context, e stream.Event) error {
	if err := runlog.Validate(e); err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	doc := eventDocument{
		SessionID: e.SessionID,
		TurnID:    e.TurnID,
		Seq:       e.Seq,
		Type:      string(e.Type),
		Agent:     string(e.Agent),
		Payload:   append([]byte(nil), e.Payload...),
		Timestamp: e.Timestamp.UTC(),
	}
	if err := c.coll.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("append event %s/%d: %w", e.TurnID, e.Seq, err)
	}
	return nil
}

func (c *client) List(ctx context.Context, sessionID, cursor string, limit int) (page runlog.Page, err error) {
	if sessionID == "" || limit <= 0 {
		return runlog.Page{}, runlog.ErrInvalidQuery
	}
	filter := bson.M{"session_id": sessionID}
	if cursor != "" {
		oid, err := bson.ObjectIDFromHex(cursor)
		if err != nil {
			return runlog.Page{}, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		filter["_id"] = bson.M{"$gt": oid}
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	// Fetch one extra document to learn whether another page exists.
	cur, err := c.coll.Find(ctx, filter, int64(limit+1))
	if err != nil {
		return runlog.Page{}, err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil && cerr != nil {
			err = cerr
		}
	}()

	var entries []runlog.Entry
	for cur.Next(ctx) {
		var doc eventDocument
		if err := cur.Decode(&doc); err != nil {
			return runlog.Page{}, err
		}
		entries = append(entries, doc.toEntry())
	}
	if err := cur.Err(); err != nil {
		return runlog.Page{}, err
	}
	if len(entries) > limit {
		entries = entries[:limit]
		page.NextCursor = entries[limit-1].ID
	}
	page.Entries = entries
	return page, nil
}

func (doc eventDocument) toEntry() runlog.Entry {
	e := stream.Event{
		Type:      stream.EventType(doc.Type),
		SessionID: doc.SessionID,
		TurnID:    doc.TurnID,
		Seq:       doc.Seq,
		Agent:     agent.Ident(doc.Agent),
		Timestamp: doc.Timestamp,
	}
	if len(doc.Payload) > 0 {
		e.Payload = append([]byte(nil), doc.Payload...)
	}
	return runlog.Entry{ID: doc.ID.Hex(), Event: e}
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	indexes := []mongodriver.IndexModel{
		{
			Keys: bson.D{
				{Key: "session_id", Value: 1},
				{Key: "turn_id", Value: 1},
				{Key: "seq", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				{Key: "session_id", Value: 1},
				{Key: "_id", Value: 1},
			},
		},
	}
	for _, idx := range indexes {
		if _, err := coll.CreateIndex(ctx, idx); err != nil {
			return err
		}
	}
	return nil
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{mongo: mongoClient, coll: coll, timeout: timeout}, nil
}

// collection is the subset of *mongodriver.Collection used by the client.
// Find sorts by ascending _id.
type collection interface {
	InsertOne(ctx context.Context, document any) error
	Find(ctx context.Context, filter any, limit int64) (cursor, error)
	CreateIndex(ctx context.Context, model mongodriver.IndexModel) (string, error)
}

type cursor interface {
	Next(ctx context.Context) bool
	Decode(val any) error
	Err() error
	Close(ctx context.Context) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) InsertOne(ctx context.Context, document any) error {
	_, err := c.coll.InsertOne(ctx, document)
	return err
}

func (c mongoCollection) Find(ctx context.Context, filter any, limit int64) (cursor, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(limit)
	return c.coll.Find(ctx, filter, opts)
}

func (c mongoCollection) CreateIndex(ctx context.Context, model mongodriver.IndexModel) (string, error) {
	return c.coll.Indexes().CreateOne(ctx, model)
}
