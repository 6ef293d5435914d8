package db

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"videothingy/newsreel/internal/apperr"
	"videothingy/newsreel/internal/models"
)

// VideosCollection is the Mongo collection holding Video documents.
const VideosCollection = "videos"

// ConnectMongo dials uri and verifies the primary is reachable.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, apperr.New(apperr.KindInfra, "db.ConnectMongo", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, apperr.New(apperr.KindInfra, "db.ConnectMongo", err)
	}
	return client, nil
}

// MongoStore stores one document per video, keyed by _id.
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	now    func() time.Time
}

func NewMongoStore(client *mongo.Client, database string) *MongoStore {
	return &MongoStore{
		client: client,
		coll:   client.Database(database).Collection(VideosCollection),
		now:    time.Now,
	}
}

// EnsureIndexes creates the index the status sweeps query on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: models.FieldStatus, Value: 1}, {Key: models.FieldUpdatedAt, Value: 1}},
	})
	if err != nil {
		return apperr.New(apperr.KindInfra, "db.EnsureIndexes", err)
	}
	return nil
}

func (s *MongoStore) Create(ctx context.Context, v *models.Video) error {
	if _, err := s.coll.InsertOne(ctx, v); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return apperr.Newf(apperr.KindConflict, "db.Create", "video %s already exists", v.ID)
		}
		return apperr.New(apperr.KindInfra, "db.Create", err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*models.Video, error) {
	var v models.Video
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&v); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, notFound("db.Get", id)
		}
		return nil, apperr.New(apperr.KindInfra, "db.Get", err)
	}
	return checkStatus("db.Get", &v)
}

func (s *MongoStore) Update(ctx context.Context, id string, fields Fields) (*models.Video, error) {
	v, err := s.findAndSet(ctx, bson.M{"_id": id}, withUpdatedAt(fields, s.now()))
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFound("db.Update", id)
	}
	if err != nil {
		return nil, apperr.New(apperr.KindInfra, "db.Update", err)
	}
	return v, nil
}

func (s *MongoStore) Transition(ctx context.Context, id string, from []models.Status, to models.Status, fields Fields) (*models.Video, error) {
	filter := bson.M{"_id": id, models.FieldStatus: bson.M{"$in": statusStrings(from)}}
	v, err := s.findAndSet(ctx, filter, withStatus(fields, to, s.now()))
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, apperr.New(apperr.KindInfra, "db.Transition", err)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, conflict("db.Transition", id, current.Status, from)
}

func (s *MongoStore) findAndSet(ctx context.Context, filter bson.M, fields Fields) (*models.Video, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var v models.Video
	err := s.coll.FindOneAndUpdate(ctx, filter, bson.M{"$set": bson.M(fields)}, opts).Decode(&v)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *MongoStore) Delete(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return apperr.New(apperr.KindInfra, "db.Delete", err)
	}
	if res.DeletedCount == 0 {
		return notFound("db.Delete", id)
	}
	return nil
}

func (s *MongoStore) ListByStatusBefore(ctx context.Context, status models.Status, cutoff time.Time) ([]*models.Video, error) {
	filter := bson.M{
		models.FieldStatus:    string(status),
		models.FieldUpdatedAt: bson.M{"$lt": cutoff},
	}
	cursor, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: models.FieldUpdatedAt, Value: 1}}))
	if err != nil {
		return nil, apperr.New(apperr.KindInfra, "db.ListByStatusBefore", err)
	}

	var out []*models.Video
	if err := cursor.All(ctx, &out); err != nil {
		return nil, apperr.New(apperr.KindInfra, "db.ListByStatusBefore", err)
	}
	return out, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return apperr.New(apperr.KindInfra, "db.Ping", err)
	}
	return nil
}
