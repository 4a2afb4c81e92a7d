package ingestion

import (
	"go.mongodb.org/mongo-driver/bson/primitive"

	"sesnotify/internal/notification"
)

// DeliveryDocument is stored in the deliveries collection. MailObjectID is
// the _id of the envelope written for the same notification.
type DeliveryDocument struct {
	MailObjectID         primitive.ObjectID `bson:"mailObjectId"`
	Timestamp            string             `bson:"timestamp"`
	ProcessingTimeMillis int64              `bson:"processingTimeMillis"`
	Recipients           []string           `bson:"recipients"`
	SMTPResponse         string             `bson:"smtpResponse"`
	ReportingMTA         string             `bson:"reportingMTA"`
	RemoteMtaIP          string             `bson:"remoteMtaIp"`
}

type BounceDocument struct {
	MailObjectID      primitive.ObjectID              `bson:"mailObjectId"`
	BounceType        string                          `bson:"bounceType"`
	BounceSubType     string                          `bson:"bounceSubType"`
	BouncedRecipients []notification.BouncedRecipient `bson:"bouncedRecipients"`
	Timestamp         string                          `bson:"timestamp"`
	FeedbackID        string                          `bson:"feedbackId"`
	Additional        map[string]interface{}          `bson:"additional"`
}

type ComplaintDocument struct {
	MailObjectID         primitive.ObjectID       `bson:"mailObjectId"`
	ComplainedRecipients []notification.Recipient `bson:"complainedRecipients"`
	Timestamp            string                   `bson:"timestamp"`
	FeedbackID           string                   `bson:"feedbackId"`
	ComplaintSubType     string                   `bson:"complaintSubType"`
	Additional           map[string]interface{}   `bson:"additional"`
}

func NewDeliveryDocument(mailID primitive.ObjectID, d notification.Delivery) DeliveryDocument {
	return DeliveryDocument{
		MailObjectID:         mailID,
		Timestamp:            d.Timestamp,
		ProcessingTimeMillis: d.ProcessingTimeMillis,
		Recipients:           d.Recipients,
		SMTPResponse:         d.SMTPResponse,
		ReportingMTA:         d.ReportingMTA,
		RemoteMtaIP:          d.RemoteMtaIP,
	}
}

func NewBounceDocument(mailID primitive.ObjectID, b notification.Bounce) BounceDocument {
	return BounceDocument{
		MailObjectID:      mailID,
		BounceType:        b.BounceType,
		BounceSubType:     b.BounceSubType,
		BouncedRecipients: b.BouncedRecipients,
		Timestamp:         b.Timestamp,
		FeedbackID:        b.FeedbackID,
		Additional:        nonNil(b.Additional),
	}
}

func NewComplaintDocument(mailID primitive.ObjectID, c notification.Complaint) ComplaintDocument {
	return ComplaintDocument{
		MailObjectID:         mailID,
		ComplainedRecipients: c.ComplainedRecipients,
		Timestamp:            c.Timestamp,
		FeedbackID:           c.FeedbackID,
		ComplaintSubType:     c.ComplaintSubType,
		Additional:           nonNil(c.Additional),
	}
}

func nonNil(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}
