package notify

import (
	"context"
	"fmt"

	pubnubgo "github.com/pubnub/go/v7"

	"github.com/example/courtsched/internal/queue"
)

type PubNubConfig struct {
	PublishKey   string
	SubscribeKey string
	SecretKey    string
	UserID       string
}

// PubNubNotifier publishes outcomes on the owner's channel; the front-end bot
// subscribes there and relays to the user.
type PubNubNotifier struct {
	pn *pubnubgo.PubNub
}

func NewPubNub(cfg PubNubConfig) (*PubNubNotifier, error) {
	if cfg.PublishKey == "" || cfg.SubscribeKey == "" {
		return nil, fmt.Errorf("pubnub publish and subscribe keys required")
	}
	pnCfg := pubnubgo.NewConfigWithUserId(pubnubgo.UserId(cfg.UserID))
	pnCfg.PublishKey = cfg.PublishKey
	pnCfg.SubscribeKey = cfg.SubscribeKey
	pnCfg.SecretKey = cfg.SecretKey
	return &PubNubNotifier{pn: pubnubgo.NewPubNub(pnCfg)}, nil
}

type outcomeMessage struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Detail    string `json:"detail"`
}

func (n *PubNubNotifier) NotifyOutcome(ctx context.Context, owner queue.Owner, requestID string, status queue.Status, detail string) error {
	channel := owner.Channel
	if channel == "" {
		channel = fmt.Sprintf("owner-%s", owner.ID)
	}
	msg := outcomeMessage{RequestID: requestID, Status: string(status), Detail: detail}

	_, _, err := n.pn.PublishWithContext(ctx).
		Channel(channel).
		Message(msg).
		Execute()
	if err != nil {
		return fmt.Errorf("pubnub publish to %s: %w", channel, err)
	}
	return nil
}
