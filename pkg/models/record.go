package models

import "time"

// Record is one inbound message of a batch. Body holds the JSON-encoded
// notification as delivered by the transport.
type Record struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at"`
	TraceID    string    `json:"trace_id,omitempty"`
}

const (
	SourceKafka   = "kafka"
	SourceSNSHTTP = "sns-http"
	SourceLambda  = "lambda"
)
