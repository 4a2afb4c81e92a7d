package notification

import "go.mongodb.org/mongo-driver/bson"

type Type string

const (
	TypeDelivery  Type = "Delivery"
	TypeBounce    Type = "Bounce"
	TypeComplaint Type = "Complaint"
)

// Notification is one of *DeliveryNotification, *BounceNotification or
// *ComplaintNotification. The set is closed; switch on the concrete type.
type Notification interface {
	Type() Type
	Envelope() Mail
	isNotification()
}

// Mail is the envelope shared by every notification type. Fields not
// modeled here are kept in Extra. A decoded Mail is persisted exactly as
// received: same keys, same order, absent fields left out.
type Mail struct {
	Timestamp        string                 `json:"timestamp" bson:"timestamp"`
	MessageID        string                 `json:"messageId" bson:"messageId"`
	Source           string                 `json:"source" bson:"source"`
	SourceArn        string                 `json:"sourceArn" bson:"sourceArn"`
	SourceIP         string                 `json:"sourceIp" bson:"sourceIp"`
	SendingAccountID string                 `json:"sendingAccountId" bson:"sendingAccountId"`
	Destination      []string               `json:"destination" bson:"destination"`
	HeadersTruncated bool                   `json:"headersTruncated" bson:"headersTruncated"`
	Headers          []Header               `json:"headers" bson:"headers"`
	CommonHeaders    map[string]interface{} `json:"commonHeaders" bson:"commonHeaders"` // string or []string
	Extra            map[string]interface{} `json:"-" bson:",inline"`

	document bson.D
}

// MarshalBSON writes the envelope as received when it was decoded, and the
// struct fields otherwise.
func (m Mail) MarshalBSON() ([]byte, error) {
	if m.document != nil {
		return bson.Marshal(m.document)
	}
	type plain Mail
	return bson.Marshal(plain(m))
}

type Header struct {
	Name  string `json:"name" bson:"name"`
	Value string `json:"value" bson:"value"`
}

type Delivery struct {
	Timestamp            string   `json:"timestamp"`
	ProcessingTimeMillis int64    `json:"processingTimeMillis"`
	Recipients           []string `json:"recipients"`
	SMTPResponse         string   `json:"smtpResponse"`
	ReportingMTA         string   `json:"reportingMTA"`
	RemoteMtaIP          string   `json:"remoteMtaIp"`
}

type Recipient struct {
	EmailAddress string `json:"emailAddress" bson:"emailAddress"`
}

type BouncedRecipient struct {
	EmailAddress   string `json:"emailAddress" bson:"emailAddress"`
	Action         string `json:"action,omitempty" bson:"action,omitempty"`
	Status         string `json:"status,omitempty" bson:"status,omitempty"`
	DiagnosticCode string `json:"diagnosticCode,omitempty" bson:"diagnosticCode,omitempty"`
}

// Bounce keeps every field it does not model in Additional, keyed by the
// original JSON name.
type Bounce struct {
	BounceType        string                 `json:"bounceType"`
	BounceSubType     string                 `json:"bounceSubType"`
	BouncedRecipients []BouncedRecipient     `json:"bouncedRecipients"`
	Timestamp         string                 `json:"timestamp"`
	FeedbackID        string                 `json:"feedbackId"`
	Additional        map[string]interface{} `json:"-"`
}

// Complaint keeps every field it does not model in Additional. userAgent,
// complaintFeedbackType and arrivalDate usually end up there.
type Complaint struct {
	ComplainedRecipients []Recipient            `json:"complainedRecipients"`
	Timestamp            string                 `json:"timestamp"`
	FeedbackID           string                 `json:"feedbackId"`
	ComplaintSubType     string                 `json:"complaintSubType"`
	Additional           map[string]interface{} `json:"-"`
}

type DeliveryNotification struct {
	Mail     Mail
	Delivery Delivery
}

type BounceNotification struct {
	Mail   Mail
	Bounce Bounce
}

type ComplaintNotification struct {
	Mail      Mail
	Complaint Complaint
}

func (*DeliveryNotification) Type() Type  { return TypeDelivery }
func (*BounceNotification) Type() Type    { return TypeBounce }
func (*ComplaintNotification) Type() Type { return TypeComplaint }

func (n *DeliveryNotification) Envelope() Mail  { return n.Mail }
func (n *BounceNotification) Envelope() Mail    { return n.Mail }
func (n *ComplaintNotification) Envelope() Mail { return n.Mail }

func (*DeliveryNotification) isNotification()  {}
func (*BounceNotification) isNotification()    {}
func (*ComplaintNotification) isNotification() {}
