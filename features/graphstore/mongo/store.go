// Package mongo implements graph.Store on a MongoDB collection. One document
// per graph, keyed by graph_id; node and bridge lists are stored as their
// JSON encoding so payload dispatch stays in one place (Node.UnmarshalJSON).
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/kubegram/kubegram/runtime/graph"
)

const (
	defaultCollection = "graphs"
	defaultOpTimeout  = 5 * time.Second
	storeName         = "graph-mongo"
)

var (
	_ graph.Store   = (*Store)(nil)
	_ health.Pinger = (*Store)(nil)
)

// Options configures the Mongo graph store.
type Options struct {
	// Client is the connected Mongo client. The store does not own it;
	// the caller disconnects it.
	Client     *mongodriver.Client
	Database   string
	Collection string
	// Timeout bounds individual storage operations. Defaults to 5s.
	Timeout time.Duration
}

// Store persists graphs in MongoDB.
type Store struct {
	mongo   *mongodriver.Client
	graphs  collection
	timeout time.Duration
}

// New returns a Store backed by MongoDB and ensures its indexes.
func New(opts Options) (*Store, error) {
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
		timeout = defaultOpTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return newStoreWithCollection(opts.Client, coll, timeout), nil
}

func newStoreWithCollection(client *mongodriver.Client, coll collection, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{mongo: client, graphs: coll, timeout: timeout}
}

func (s *Store) Name() string {
	return storeName
}

// Ping reports whether the primary is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.mongo == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Get returns the graph with the given id.
func (s *Store) Get(ctx context.Context, id string) (*graph.Graph, error) {
	if id == "" {
		return nil, errors.New("graph id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc graphDocument
	if err := s.graphs.FindOne(ctx, bson.M{"graph_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, graph.ErrNotFound
		}
		return nil, err
	}
	return doc.toGraph()
}

// Create inserts the graph, assigning an id when none is set.
func (s *Store) Create(ctx context.Context, g *graph.Graph) (string, error) {
	if g == nil {
		return "", errors.New("graph is required")
	}
	doc, err := fromGraph(g)
	if err != nil {
		return "", err
	}
	if doc.GraphID == "" {
		doc.GraphID = uuid.NewString()
	}
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.graphs.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return "", fmt.Errorf("graph %q already exists", doc.GraphID)
		}
		return "", err
	}
	return doc.GraphID, nil
}

// Update replaces the stored graph. The creation timestamp is preserved.
func (s *Store) Update(ctx context.Context, g *graph.Graph) error {
	if g == nil || g.ID == "" {
		return graph.ErrNotFound
	}
	doc, err := fromGraph(g)
	if err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{
		"$set": bson.M{
			"name":              doc.Name,
			"description":       doc.Description,
			"graph_type":        doc.GraphType,
			"company_id":        doc.CompanyID,
			"user_id":           doc.UserID,
			"nodes":             doc.Nodes,
			"bridges":           doc.Bridges,
			"context_embedding": doc.ContextEmbedding,
			"updated_at":        time.Now().UTC(),
		},
	}
	res, err := s.graphs.UpdateOne(ctx, bson.M{"graph_id": g.ID}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return graph.ErrNotFound
	}
	return nil
}

// Delete removes the graph; deleting an unknown id is an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" {
		return graph.ErrNotFound
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.graphs.DeleteOne(ctx, bson.M{"graph_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return graph.ErrNotFound
	}
	return nil
}

// Query returns the graphs matching q, newest first.
func (s *Store) Query(ctx context.Context, q graph.Query) ([]*graph.Graph, error) {
	filter := bson.M{}
	if q.CompanyID != "" {
		filter["company_id"] = q.CompanyID
	}
	if q.UserID != "" {
		filter["user_id"] = q.UserID
	}
	if q.GraphType != "" {
		filter["graph_type"] = string(q.GraphType)
	}
	if q.Name != "" {
		filter["name"] = bson.M{"$regex": regexp.QuoteMeta(q.Name), "$options": "i"}
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}})
	if q.Limit > 0 {
		findOpts = findOpts.SetLimit(int64(q.Limit))
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.graphs.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []*graph.Graph
	for cur.Next(ctx) {
		var doc graphDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		g, err := doc.toGraph()
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Similar ranks stored graphs by cosine similarity of their context embedding
// to the query embedding. Scores are computed client side.
func (s *Store) Similar(ctx context.Context, embedding []float64, q graph.Query) ([]graph.Scored, error) {
	if len(embedding) == 0 {
		return nil, nil
	}
	// Only graphs that actually carry an embedding.
	filter := bson.M{"context_embedding.0": bson.M{"$exists": true}}
	if q.CompanyID != "" {
		filter["company_id"] = q.CompanyID
	}
	if q.UserID != "" {
		filter["user_id"] = q.UserID
	}
	if q.GraphType != "" {
		filter["graph_type"] = string(q.GraphType)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.graphs.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var scored []graph.Scored
	for cur.Next(ctx) {
		var doc graphDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		g, err := doc.toGraph()
		if err != nil {
			return nil, err
		}
		scored = append(scored, graph.Scored{Graph: g, Score: graph.CosineSimilarity(embedding, g.ContextEmbedding)})
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if q.Limit > 0 && len(scored) > q.Limit {
		scored = scored[:q.Limit]
	}
	return scored, nil
}

// Close is a no-op; the Mongo client is owned by the caller.
func (s *Store) Close(ctx context.Context) error {
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

type graphDocument struct {
	GraphID          string    `bson:"graph_id"`
	Name             string    `bson:"name"`
	Description      string    `bson:"description,omitempty"`
	GraphType        string    `bson:"graph_type"`
	CompanyID        string    `bson:"company_id"`
	UserID           string    `bson:"user_id"`
	Nodes            []byte    `bson:"nodes,omitempty"`
	Bridges          []byte    `bson:"bridges,omitempty"`
	ContextEmbedding []float64 `bson:"context_embedding,omitempty"`
	CreatedAt        time.Time `bson:"created_at"`
	UpdatedAt        time.Time `bson:"updated_at"`
}

func fromGraph(g *graph.Graph) (graphDocument, error) {
	doc := graphDocument{
		GraphID:          g.ID,
		Name:             g.Name,
		Description:      g.Description,
		GraphType:        string(g.GraphType),
		CompanyID:        g.CompanyID,
		UserID:           g.UserID,
		ContextEmbedding: g.ContextEmbedding,
		CreatedAt:        g.CreatedAt.UTC(),
		UpdatedAt:        g.UpdatedAt.UTC(),
	}
	if len(g.Nodes) > 0 {
		raw, err := json.Marshal(g.Nodes)
		if err != nil {
			return graphDocument{}, fmt.Errorf("encode nodes: %w", err)
		}
		doc.Nodes = raw
	}
	if len(g.Bridges) > 0 {
		raw, err := json.Marshal(g.Bridges)
		if err != nil {
			return graphDocument{}, fmt.Errorf("encode bridges: %w", err)
		}
		doc.Bridges = raw
	}
	return doc, nil
}

func (doc graphDocument) toGraph() (*graph.Graph, error) {
	g := &graph.Graph{
		ID:               doc.GraphID,
		Name:             doc.Name,
		Description:      doc.Description,
		GraphType:        graph.GraphType(doc.GraphType),
		CompanyID:        doc.CompanyID,
		UserID:           doc.UserID,
		ContextEmbedding: doc.ContextEmbedding,
		CreatedAt:        doc.CreatedAt.UTC(),
		UpdatedAt:        doc.UpdatedAt.UTC(),
	}
	if len(doc.Nodes) > 0 {
		if err := json.Unmarshal(doc.Nodes, &g.Nodes); err != nil {
			return nil, fmt.Errorf("decode nodes: %w", err)
		}
	}
	if len(doc.Bridges) > 0 {
		if err := json.Unmarshal(doc.Bridges, &g.Bridges); err != nil {
			return nil, fmt.Errorf("decode bridges: %w", err)
		}
	}
	return g, nil
}

func ensureIndexes(ctx context.Context, coll collection) error {
	idIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "graph_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, idIndex); err != nil {
		return err
	}
	ownerIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "company_id", Value: 1},
			{Key: "user_id", Value: 1},
		},
	}
	if _, err := coll.Indexes().CreateOne(ctx, ownerIndex); err != nil {
		return err
	}
	typeIndex := mongodriver.IndexModel{
		Keys: bson.D{{Key: "graph_type", Value: 1}},
	}
	if _, err := coll.Indexes().CreateOne(ctx, typeIndex); err != nil {
		return err
	}
	return nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error)
	InsertOne(ctx context.Context, doc any,
		opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
	UpdateOne(ctx context.Context, filter any, update any,
		opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	DeleteOne(ctx context.Context, filter any,
		opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel,
		opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type cursor interface {
	Close(ctx context.Context) error
	Decode(val any) error
	Err() error
	Next(ctx context.Context) bool
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) Find(ctx context.Context, filter any, opts ...options.Lister[options.FindOptions]) (cursor, error) {
	cur, err := c.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	return mongoCursor{cur: cur}, nil
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any,
	opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, doc, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any,
	opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) DeleteOne(ctx context.Context, filter any,
	opts ...options.Lister[options.DeleteOneOptions]) (*mongodriver.DeleteResult, error) {
	return c.coll.DeleteOne(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoCursor struct {
	cur *mongodriver.Cursor
}

func (c mongoCursor) Close(ctx context.Context) error {
	return c.cur.Close(ctx)
}

func (c mongoCursor) Decode(val any) error {
	return c.cur.Decode(val)
}

func (c mongoCursor) Err() error {
	return c.cur.Err()
}

func (c mongoCursor) Next(ctx context.Context) bool {
	return c.cur.Next(ctx)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel,
	opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
