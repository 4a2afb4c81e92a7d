package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"sesnotify/internal/constants"
	"sesnotify/internal/notification"
	apperrors "sesnotify/pkg/errors"
	"sesnotify/pkg/metrics"
)

// Store persists one notification as an envelope plus one detail document.
// Implementations must be safe for concurrent use.
type Store interface {
	InsertMail(ctx context.Context, mail notification.Mail) (primitive.ObjectID, error)
	InsertDelivery(ctx context.Context, doc DeliveryDocument) error
	InsertBounce(ctx context.Context, doc BounceDocument) error
	InsertComplaint(ctx context.Context, doc ComplaintDocument) error
}

type MongoDBRepository struct {
	database   string
	mail       *mongo.Collection
	deliveries *mongo.Collection
	bounces    *mongo.Collection
	complaints *mongo.Collection
}

func NewRepository(db *mongo.Database) *MongoDBRepository {
	return &MongoDBRepository{
		database:   db.Name(),
		mail:       db.Collection(constants.CollectionMail),
		deliveries: db.Collection(constants.CollectionDeliveries),
		bounces:    db.Collection(constants.CollectionBounces),
		complaints: db.Collection(constants.CollectionComplaints),
	}
}

func (r *MongoDBRepository) InsertMail(ctx context.Context, mail notification.Mail) (primitive.ObjectID, error) {
	id, err := r.insertOne(ctx, r.mail, mail)
	if err != nil {
		return primitive.NilObjectID, err
	}

	oid, ok := id.(primitive.ObjectID)
	if !ok {
		return primitive.NilObjectID, apperrors.ErrWrite.
			WithDetail("collection", r.mail.Name()).
			WithDetail("message", fmt.Sprintf("unexpected inserted id type %T", id)).
			AsFatal()
	}
	return oid, nil
}

func (r *MongoDBRepository) InsertDelivery(ctx context.Context, doc DeliveryDocument) error {
	_, err := r.insertOne(ctx, r.deliveries, doc)
	return err
}

func (r *MongoDBRepository) InsertBounce(ctx context.Context, doc BounceDocument) error {
	_, err := r.insertOne(ctx, r.bounces, doc)
	return err
}

func (r *MongoDBRepository) InsertComplaint(ctx context.Context, doc ComplaintDocument) error {
	_, err := r.insertOne(ctx, r.complaints, doc)
	return err
}

func (r *MongoDBRepository) insertOne(ctx context.Context, coll *mongo.Collection, doc interface{}) (interface{}, error) {
	start := time.Now()
	res, err := coll.InsertOne(ctx, doc)
	metrics.ObserveDatabaseQueryDuration(r.database, coll.Name(), "insert", time.Since(start))

	if err != nil {
		metrics.IncDatabaseQuery(r.database, coll.Name(), "insert", "error")
		return nil, classifyWriteError(coll.Name(), err)
	}

	metrics.IncDatabaseQuery(r.database, coll.Name(), "insert", "success")
	return res.InsertedID, nil
}

func classifyWriteError(collection string, err error) error {
	cause := fmt.Errorf("insert into %s: %w", collection, err)
	if mongo.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.ErrTimeout.WithCause(cause).WithDetail("collection", collection)
	}
	return apperrors.ErrWrite.WithCause(cause).WithDetail("collection", collection)
}
