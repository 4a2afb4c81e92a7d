package constants

import "time"

const (
	KafkaBatchTimeout = 10 * time.Millisecond
	KafkaWriteTimeout = 10 * time.Second
)

const (
	DefaultKafkaBatchSize = 100
	DefaultKafkaBatchWait = 1 * time.Second
)

const (
	DefaultHTTPTimeout = 10 * time.Second
)

const (
	DefaultInputTopic = "ses_notifications"
)

const (
	DefaultMongoDBName         = "ses-notifications"
	DefaultMongoReplicaSet     = "rs0"
	DefaultMongoReadPreference = "secondaryPreferred"
	DefaultMongoCAFile         = "rds-combined-ca-bundle.pem"
	DefaultMongoConnectTimeout = 30 * time.Second
)

const (
	CollectionMail       = "mail"
	CollectionDeliveries = "deliveries"
	CollectionBounces    = "bounces"
	CollectionComplaints = "complaints"
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	FailureModeBatch   = "batch"
	FailureModeIsolate = "isolate"
)

const (
	ResultFailed     = "Failed"
	ResultDoneFormat = "Done with %d records"
)

const (
	SNSTypeNotification             = "Notification"
	SNSTypeSubscriptionConfirmation = "SubscriptionConfirmation"
	SNSTypeUnsubscribeConfirmation  = "UnsubscribeConfirmation"
)

const (
	ServiceNameIngest = "ingest-service"
	ServiceNameLambda = "ingest-lambda"
)
