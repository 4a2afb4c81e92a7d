package migrations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"

	"sesnotify/internal/constants"
)

func TestIndexPlan(t *testing.T) {
	plan := IndexPlan()

	assert.Len(t, plan, 4)
	assert.Equal(t, bson.D{{Key: "messageId", Value: 1}}, plan[constants.CollectionMail][0].Keys)

	for _, collection := range []string{constants.CollectionDeliveries, constants.CollectionBounces, constants.CollectionComplaints} {
		indexes := plan[collection]
		if assert.NotEmpty(t, indexes, collection) {
			assert.Equal(t, bson.D{{Key: "mailObjectId", Value: 1}}, indexes[0].Keys)
			assert.Equal(t, "idx_"+collection+"_mail_object_id", *indexes[0].Options.Name)
		}
	}
}
