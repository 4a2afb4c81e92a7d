package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"sesnotify/internal/constants"
)

// IndexPlan lists the lookup indexes per collection.
func IndexPlan() map[string][]mongo.IndexModel {
	detail := func(collection string) []mongo.IndexModel {
		return []mongo.IndexModel{
			{
				Keys:    bson.D{{Key: "mailObjectId", Value: 1}},
				Options: options.Index().SetName("idx_" + collection + "_mail_object_id"),
			},
		}
	}

	return map[string][]mongo.IndexModel{
		constants.CollectionMail: {
			{
				Keys:    bson.D{{Key: "messageId", Value: 1}},
				Options: options.Index().SetName("idx_mail_message_id"),
			},
		},
		constants.CollectionDeliveries: detail(constants.CollectionDeliveries),
		constants.CollectionBounces: append(detail(constants.CollectionBounces), mongo.IndexModel{
			Keys:    bson.D{{Key: "bounceType", Value: 1}, {Key: "timestamp", Value: -1}},
			Options: options.Index().SetName("idx_bounces_type_timestamp"),
		}),
		constants.CollectionComplaints: detail(constants.CollectionComplaints),
	}
}

// EnsureIndexes creates the IndexPlan indexes. Existing indexes with the
// same name are left alone.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	for collection, indexes := range IndexPlan() {
		_, err := db.Collection(collection).Indexes().CreateMany(ctx, indexes)
		if err != nil && !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create indexes on %s: %w", collection, err)
		}
	}
	return nil
}
