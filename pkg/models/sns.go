package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-lambda-go/events"
)

// SNSMessage is the JSON document SNS POSTs to HTTP(S) subscribers and
// publishes to raw-delivery-disabled queues. Subscription confirmations carry
// SubscribeURL and Token in addition to the notification fields.
type SNSMessage struct {
	events.SNSEntity
	SubscribeURL string `json:"SubscribeURL,omitempty"`
	Token        string `json:"Token,omitempty"`
}

func ParseSNSMessage(body []byte) (*SNSMessage, error) {
	var msg SNSMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode SNS message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("SNS message has no Type")
	}
	return &msg, nil
}

// UnwrapSNS returns the inner Message when body is an SNS notification
// envelope. Any other body is returned unchanged with ok=false.
func UnwrapSNS(body []byte) (string, *SNSMessage, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return string(body), nil, false
	}

	var msg SNSMessage
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return string(body), nil, false
	}
	if msg.Type != "Notification" || msg.TopicArn == "" {
		return string(body), nil, false
	}
	return msg.Message, &msg, true
}

// RecordsFromSNSEvent maps a Lambda SNS trigger event to records.
func RecordsFromSNSEvent(event events.SNSEvent) []Record {
	records := make([]Record, 0, len(event.Records))
	for _, r := range event.Records {
		receivedAt := r.SNS.Timestamp
		if receivedAt.IsZero() {
			receivedAt = time.Now().UTC()
		}
		records = append(records, Record{
			ID:         r.SNS.MessageID,
			Source:     SourceLambda,
			Body:       r.SNS.Message,
			ReceivedAt: receivedAt,
		})
	}
	return records
}
