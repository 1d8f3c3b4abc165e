// Package notify delivers out-of-band recovery messages to relationships.
// Delivery itself (email, SMS, push) lives outside this module.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("notify")

type Message struct {
	RequestID   string
	ChallengeID string
	Identity    string
	Subject     string
	Body        string
	// Code is the one-time code the relationship uses or passes on, if the
	// challenge has one.
	Code string
}

type Ack struct {
	MessageID   string
	DeliveredAt time.Time
}

type Notifier interface {
	Notify(ctx context.Context, relationshipID string, msg Message) (Ack, error)
}

// LogNotifier writes notifications to the node log. It is the default when
// no delivery gateway is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, relationshipID string, msg Message) (Ack, error) {
	ack := Ack{MessageID: uuid.NewString(), DeliveredAt: time.Now().UTC()}
	log.Infow("recovery notification", "to", relationshipID, "request", msg.RequestID,
		"challenge", msg.ChallengeID, "subject", msg.Subject, "message", ack.MessageID)
	log.Debugw("recovery notification body", "to", relationshipID, "message", ack.MessageID, "body", msg.Body)
	return ack, nil
}
