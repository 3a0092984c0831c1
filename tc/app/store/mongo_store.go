package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ikenchina/octopus-tcc/define"
	"github.com/ikenchina/octopus-tcc/tc/app/codec"
	"github.com/ikenchina/octopus-tcc/tc/app/model"
)

const (
	defaultMongoDatabase   = "dtx"
	defaultMongoCollection = "tcc_group"
)

type groupDocument struct {
	Gtid         string                `bson:"_id"`
	Business     string                `bson:"business,omitempty"`
	State        string                `bson:"state"`
	RetryCount   int                   `bson:"retry_count"`
	MaxRetry     int                   `bson:"max_retry"`
	Payload      []byte                `bson:"payload,omitempty"`
	CreatedTime  time.Time             `bson:"created_time"`
	UpdatedTime  time.Time             `bson:"updated_time"`
	Participants []participantDocument `bson:"participants"`
}

type participantDocument struct {
	Index       int       `bson:"index"`
	Endpoint    string    `bson:"endpoint"`
	Confirm     []byte    `bson:"confirm"`
	Cancel      []byte    `bson:"cancel"`
	Payload     []byte    `bson:"payload,omitempty"`
	Outcome     string    `bson:"outcome"`
	UpdatedTime time.Time `bson:"updated_time"`
}

// MongoStore keeps one document per group. Invocation descriptors are stored
// as codec encoded binaries.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	codec      codec.Codec
	timeout    time.Duration
	pageSize   int
}

func NewMongoStore(cfg Config) (Store, error) {
	if len(cfg.Uri) == 0 {
		return nil, errors.New("mongo store needs an uri")
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout())
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Uri))
	if err != nil {
		return nil, err
	}
	if err = client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	database, collection := cfg.Database, cfg.Collection
	if len(database) == 0 {
		database = defaultMongoDatabase
	}
	if len(collection) == 0 {
		collection = defaultMongoCollection
	}
	ms, err := newMongoStore(ctx, client.Database(database).Collection(collection), cfg)
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	ms.client = client
	return ms, nil
}

func newMongoStore(ctx context.Context, coll *mongo.Collection, cfg Config) (*MongoStore, error) {
	index := mongo.IndexModel{
		Keys: bson.D{{Key: "state", Value: 1}, {Key: "updated_time", Value: 1}, {Key: "_id", Value: 1}},
	}
	if _, err := coll.Indexes().CreateOne(ctx, index); err != nil {
		return nil, fmt.Errorf("create index : %w", err)
	}
	return &MongoStore{
		collection: coll,
		timeout:    cfg.timeout(),
		pageSize:   cfg.pageSize(),
	}, nil
}

func (ms *MongoStore) Scheme() string {
	return define.StoreMongo
}

func (ms *MongoStore) SetCodec(c codec.Codec) {
	ms.codec = c
}

func (ms *MongoStore) Timeout() time.Duration {
	return ms.timeout
}

// now is truncated to the bson datetime precision.
func (ms *MongoStore) now() time.Time {
	return time.Now().Truncate(time.Millisecond)
}

func (ms *MongoStore) toDocument(g *model.TransactionGroup) (*groupDocument, error) {
	doc := &groupDocument{
		Gtid:         g.Gtid,
		Business:     g.Business,
		State:        g.State,
		RetryCount:   g.RetryCount,
		MaxRetry:     g.MaxRetry,
		Payload:      g.Payload,
		CreatedTime:  g.CreatedTime,
		UpdatedTime:  g.UpdatedTime,
		Participants: make([]participantDocument, 0, len(g.Participants)),
	}
	for _, p := range g.Participants {
		confirm, err := ms.codec.Marshal(p.Confirm)
		if err != nil {
			return nil, err
		}
		cancel, err := ms.codec.Marshal(p.Cancel)
		if err != nil {
			return nil, err
		}
		doc.Participants = append(doc.Participants, participantDocument{
			Index:       p.Index,
			Endpoint:    p.Endpoint,
			Confirm:     confirm,
			Cancel:      cancel,
			Payload:     p.Payload,
			Outcome:     p.Outcome,
			UpdatedTime: p.UpdatedTime,
		})
	}
	return doc, nil
}

func (ms *MongoStore) fromDocument(doc *groupDocument) (*model.TransactionGroup, error) {
	g := &model.TransactionGroup{
		Gtid:         doc.Gtid,
		Business:     doc.Business,
		State:        doc.State,
		RetryCount:   doc.RetryCount,
		MaxRetry:     doc.MaxRetry,
		Payload:      doc.Payload,
		CreatedTime:  doc.CreatedTime,
		UpdatedTime:  doc.UpdatedTime,
		Participants: make([]*model.Participant, 0, len(doc.Participants)),
	}
	for _, pd := range doc.Participants {
		p := &model.Participant{
			Index:       pd.Index,
			Endpoint:    pd.Endpoint,
			Payload:     pd.Payload,
			Outcome:     pd.Outcome,
			UpdatedTime: pd.UpdatedTime,
		}
		if err := ms.codec.Unmarshal(pd.Confirm, &p.Confirm); err != nil {
			return nil, err
		}
		if err := ms.codec.Unmarshal(pd.Cancel, &p.Cancel); err != nil {
			return nil, err
		}
		g.Participants = append(g.Participants, p)
	}
	return g, nil
}

func (ms *MongoStore) get(ctx context.Context, gtid string) (*model.TransactionGroup, error) {
	doc := &groupDocument{}
	err := ms.collection.FindOne(ctx, bson.M{"_id": gtid}).Decode(doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotExist
	}
	if err != nil {
		return nil, err
	}
	return ms.fromDocument(doc)
}

func (ms *MongoStore) find(ctx context.Context, filter bson.M, limit int) ([]*model.TransactionGroup, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updated_time", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := ms.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	docs := []*groupDocument{}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	groups := make([]*model.TransactionGroup, 0, len(docs))
	for _, doc := range docs {
		g, err := ms.fromDocument(doc)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// Put replaces the document only if it kept the state and updated time it was
// read with, a concurrent writer makes Put read again.
func (ms *MongoStore) Put(ctx context.Context, g *model.TransactionGroup) (err error) {
	defer observe(ms.Scheme(), "Put", time.Now(), &err)
	if err = validateGroup(g); err != nil {
		return wrapError(ms.Scheme(), "Put", err)
	}
	if ms.codec == nil {
		return wrapError(ms.Scheme(), "Put", ErrCodecNotSet)
	}
	ctx, cancel := timeoutContext(ctx, ms.timeout)
	defer cancel()

	for i := 0; i < maxWatchRetries; i++ {
		existing, err := ms.get(ctx, g.Gtid)
		if err != nil && err != ErrNotExist {
			return wrapError(ms.Scheme(), "Put", err)
		}
		merged, ok := mergeUpsert(existing, g, ms.now())
		if !ok {
			return nil
		}
		doc, err := ms.toDocument(merged)
		if err != nil {
			return wrapError(ms.Scheme(), "Put", err)
		}

		if existing == nil {
			_, err = ms.collection.InsertOne(ctx, doc)
			if mongo.IsDuplicateKeyError(err) {
				continue
			}
			return wrapError(ms.Scheme(), "Put", err)
		}
		res, err := ms.collection.ReplaceOne(ctx, bson.M{
			"_id":          g.Gtid,
			"state":        existing.State,
			"updated_time": existing.UpdatedTime,
		}, doc)
		if err != nil {
			return wrapError(ms.Scheme(), "Put", err)
		}
		if res.MatchedCount > 0 {
			return nil
		}
	}
	return wrapError(ms.Scheme(), "Put", errors.New("too many concurrent writers"))
}

func (ms *MongoStore) Get(ctx context.Context, gtid string) (g *model.TransactionGroup, err error) {
	defer observe(ms.Scheme(), "Get", time.Now(), &err)
	if ms.codec == nil {
		return nil, wrapError(ms.Scheme(), "Get", ErrCodecNotSet)
	}
	ctx, cancel := timeoutContext(ctx, ms.timeout)
	defer cancel()

	g, err = ms.get(ctx, gtid)
	return g, wrapError(ms.Scheme(), "Get", err)
}

func (ms *MongoStore) UpdateState(ctx context.Context, gtid string, state string, outcomes map[int]string) error {
	return ms.Apply(ctx, gtid, Mutation{State: state, Outcomes: outcomes})
}

// Apply is a single conditional update. Participant outcomes are matched by
// array filters that skip succeeded entries.
func (ms *MongoStore) Apply(ctx context.Context, gtid string, m Mutation) (err error) {
	defer observe(ms.Scheme(), "Apply", time.Now(), &err)
	if err = m.validate(); err != nil {
		return wrapError(ms.Scheme(), "Apply", err)
	}
	if ms.codec == nil {
		return wrapError(ms.Scheme(), "Apply", ErrCodecNotSet)
	}
	ctx, cancel := timeoutContext(ctx, ms.timeout)
	defer cancel()

	now := ms.now()
	set := bson.M{"updated_time": now}
	if len(m.State) > 0 {
		set["state"] = m.State
	}
	filters := []interface{}{}
	for idx, outcome := range m.Outcomes {
		id := fmt.Sprintf("p%d", idx)
		set["participants.$["+id+"].outcome"] = outcome
		set["participants.$["+id+"].updated_time"] = now
		filters = append(filters, bson.M{
			id + ".index":   idx,
			id + ".outcome": bson.M{"$ne": define.OutcomeSucceeded},
		})
	}
	update := bson.M{"$set": set}
	if m.IncrRetry {
		update["$inc"] = bson.M{"retry_count": 1}
	}
	opts := options.Update()
	if len(filters) > 0 {
		opts.SetArrayFilters(options.ArrayFilters{Filters: filters})
	}

	res, err := ms.collection.UpdateOne(ctx, bson.M{
		"_id":   gtid,
		"state": bson.M{"$in": m.sourceStates()},
	}, update, opts)
	if err != nil {
		return wrapError(ms.Scheme(), "Apply", err)
	}
	if res.MatchedCount == 0 {
		return wrapError(ms.Scheme(), "Apply", ms.missing(ctx, gtid, ErrInvalidTransition))
	}
	return nil
}

// missing tells a missing group from one rejected by a state filter.
func (ms *MongoStore) missing(ctx context.Context, gtid string, rejected error) error {
	n, err := ms.collection.CountDocuments(ctx, bson.M{"_id": gtid})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotExist
	}
	return rejected
}

func (ms *MongoStore) ScanOverdue(ctx context.Context, olderThan time.Duration, limit int) Iterator {
	return newPageIterator(ms.page, olderThan, limit, ms.pageSize)
}

func (ms *MongoStore) page(ctx context.Context, deadline time.Time, cur cursor, n int) (groups []*model.TransactionGroup, err error) {
	defer observe(ms.Scheme(), "ScanOverdue", time.Now(), &err)
	if ms.codec == nil {
		return nil, wrapError(ms.Scheme(), "ScanOverdue", ErrCodecNotSet)
	}
	ctx, cancel := timeoutContext(ctx, ms.timeout)
	defer cancel()

	filter := bson.M{
		"state":        bson.M{"$in": model.NonTerminalStates},
		"updated_time": bson.M{"$lt": deadline},
	}
	if cur.valid {
		filter["$or"] = []bson.M{
			{"updated_time": bson.M{"$gt": cur.updatedTime}},
			{"updated_time": cur.updatedTime, "_id": bson.M{"$gt": cur.gtid}},
		}
	}
	groups, err = ms.find(ctx, filter, n)
	return groups, wrapError(ms.Scheme(), "ScanOverdue", err)
}

func (ms *MongoStore) ListByState(ctx context.Context, state string, updatedBefore time.Time, limit int) (groups []*model.TransactionGroup, err error) {
	defer observe(ms.Scheme(), "ListByState", time.Now(), &err)
	if ms.codec == nil {
		return nil, wrapError(ms.Scheme(), "ListByState", ErrCodecNotSet)
	}
	ctx, cancel := timeoutContext(ctx, ms.timeout)
	defer cancel()

	filter := bson.M{"state": state}
	if !updatedBefore.IsZero() {
		filter["updated_time"] = bson.M{"$lt": updatedBefore}
	}
	groups, err = ms.find(ctx, filter, limit)
	return groups, wrapError(ms.Scheme(), "ListByState", err)
}

func (ms *MongoStore) Delete(ctx context.Context, gtid string) (err error) {
	defer observe(ms.Scheme(), "Delete", time.Now(), &err)
	ctx, cancel := timeoutContext(ctx, ms.timeout)
	defer cancel()

	res, err := ms.collection.DeleteOne(ctx, bson.M{
		"_id":   gtid,
		"state": bson.M{"$in": model.TerminalStates},
	})
	if err != nil {
		return wrapError(ms.Scheme(), "Delete", err)
	}
	if res.DeletedCount == 0 {
		return wrapError(ms.Scheme(), "Delete", ms.missing(ctx, gtid, ErrNotTerminal))
	}
	return nil
}

func (ms *MongoStore) Close() error {
	if ms.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), ms.timeout)
	defer cancel()
	return ms.client.Disconnect(ctx)
}
