package notification

import (
	"encoding/json"
	"errors"
	"fmt"

	apperrors "sesnotify/pkg/errors"
)

var (
	ErrInvalidPayload = errors.New("invalid notification payload")
	ErrUnknownType    = errors.New("unknown notification type")
)

var emptyObject = json.RawMessage("{}")

// Parse decodes raw into the variant named by its notificationType. Keys
// are matched exactly. Failures are DECODE_ERROR app errors wrapping
// ErrInvalidPayload or ErrUnknownType.
func Parse(raw []byte) (Notification, error) {
	var notificationType string
	root, err := bindExact(raw, map[string]interface{}{"notificationType": &notificationType})
	if err != nil {
		return nil, decodeError(ErrInvalidPayload, err)
	}

	mailRaw, ok := root.values["mail"]
	if !ok || isNull(mailRaw) {
		mailRaw = emptyObject
	}

	switch Type(notificationType) {
	case TypeDelivery:
		n := &DeliveryNotification{}
		if err := decodeParts(mailRaw, &n.Mail, root.values["delivery"], &n.Delivery); err != nil {
			return nil, err
		}
		return n, nil
	case TypeBounce:
		n := &BounceNotification{}
		if err := decodeParts(mailRaw, &n.Mail, detailOrEmpty(root.values["bounce"]), &n.Bounce); err != nil {
			return nil, err
		}
		return n, nil
	case TypeComplaint:
		n := &ComplaintNotification{}
		if err := decodeParts(mailRaw, &n.Mail, detailOrEmpty(root.values["complaint"]), &n.Complaint); err != nil {
			return nil, err
		}
		return n, nil
	default:
		return nil, decodeError(ErrUnknownType, fmt.Errorf("%q", notificationType)).
			WithDetail("notification_type", notificationType)
	}
}

// detailOrEmpty makes a missing Bounce or Complaint decode with an empty
// Additional map.
func detailOrEmpty(raw json.RawMessage) json.RawMessage {
	if isNull(raw) {
		return emptyObject
	}
	return raw
}

func decodeParts(mailRaw json.RawMessage, mail *Mail, detailRaw json.RawMessage, detail json.Unmarshaler) error {
	if err := mail.UnmarshalJSON(mailRaw); err != nil {
		return decodeError(ErrInvalidPayload, fmt.Errorf("mail: %w", err))
	}
	if isNull(detailRaw) {
		return nil
	}
	if err := detail.UnmarshalJSON(detailRaw); err != nil {
		return decodeError(ErrInvalidPayload, err)
	}
	return nil
}

func decodeError(kind, cause error) *apperrors.Error {
	return apperrors.ErrDecode.WithCause(fmt.Errorf("%w: %v", kind, cause))
}

func (m *Mail) UnmarshalJSON(data []byte) error {
	var v Mail
	known := map[string]interface{}{
		"timestamp":        &v.Timestamp,
		"messageId":        &v.MessageID,
		"source":           &v.Source,
		"sourceArn":        &v.SourceArn,
		"sourceIp":         &v.SourceIP,
		"sendingAccountId": &v.SendingAccountID,
		"destination":      &v.Destination,
		"headersTruncated": &v.HeadersTruncated,
		"headers":          &v.Headers,
		"commonHeaders":    &v.CommonHeaders,
	}
	obj, err := bindExact(data, known)
	if err != nil {
		return err
	}
	extra, err := obj.rest(known)
	if err != nil {
		return err
	}
	if len(extra) > 0 {
		v.Extra = extra
	}
	if v.document, err = orderedDocument(data); err != nil {
		return err
	}
	*m = v
	return nil
}

func (h *Header) UnmarshalJSON(data []byte) error {
	var v Header
	if _, err := bindExact(data, map[string]interface{}{
		"name":  &v.Name,
		"value": &v.Value,
	}); err != nil {
		return err
	}
	*h = v
	return nil
}

func (d *Delivery) UnmarshalJSON(data []byte) error {
	var v Delivery
	if _, err := bindExact(data, map[string]interface{}{
		"timestamp":            &v.Timestamp,
		"processingTimeMillis": &v.ProcessingTimeMillis,
		"recipients":           &v.Recipients,
		"smtpResponse":         &v.SMTPResponse,
		"reportingMTA":         &v.ReportingMTA,
		"remoteMtaIp":          &v.RemoteMtaIP,
	}); err != nil {
		return err
	}
	*d = v
	return nil
}

func (r *Recipient) UnmarshalJSON(data []byte) error {
	var v Recipient
	if _, err := bindExact(data, map[string]interface{}{"emailAddress": &v.EmailAddress}); err != nil {
		return err
	}
	*r = v
	return nil
}

func (r *BouncedRecipient) UnmarshalJSON(data []byte) error {
	var v BouncedRecipient
	if _, err := bindExact(data, map[string]interface{}{
		"emailAddress":   &v.EmailAddress,
		"action":         &v.Action,
		"status":         &v.Status,
		"diagnosticCode": &v.DiagnosticCode,
	}); err != nil {
		return err
	}
	*r = v
	return nil
}

func (b *Bounce) UnmarshalJSON(data []byte) error {
	var v Bounce
	known := map[string]interface{}{
		"bounceType":        &v.BounceType,
		"bounceSubType":     &v.BounceSubType,
		"bouncedRecipients": &v.BouncedRecipients,
		"timestamp":         &v.Timestamp,
		"feedbackId":        &v.FeedbackID,
	}
	obj, err := bindExact(data, known)
	if err != nil {
		return err
	}
	if v.Additional, err = obj.rest(known); err != nil {
		return err
	}
	*b = v
	return nil
}

func (c *Complaint) UnmarshalJSON(data []byte) error {
	var v Complaint
	known := map[string]interface{}{
		"complainedRecipients": &v.ComplainedRecipients,
		"timestamp":            &v.Timestamp,
		"feedbackId":           &v.FeedbackID,
		"complaintSubType":     &v.ComplaintSubType,
	}
	obj, err := bindExact(data, known)
	if err != nil {
		return err
	}
	if v.Additional, err = obj.rest(known); err != nil {
		return err
	}
	*c = v
	return nil
}
