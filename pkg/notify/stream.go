package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"supervisor-escalation/pkg/metrics"
	"supervisor-escalation/pkg/models"
)

// Event names written to the stream's "event" field.
const (
	EventHelpRequested  = "help_requested"
	EventCallerFollowUp = "caller_follow_up"
	EventRequestExpired = "request_expired"
)

// StreamNotifier appends help request events to a Redis stream so a separate delivery
// worker can text supervisors and callers. Publishing is best effort: a failed XADD is
// logged and counted, never returned to the caller.
type StreamNotifier struct {
	rdb     *redis.Client
	stream  string
	maxLen  int64
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

func NewStreamNotifier(rdb *redis.Client, stream string, maxLen int64, logger *logrus.Logger, metrics *metrics.Metrics) *StreamNotifier {
	return &StreamNotifier{
		rdb:     rdb,
		stream:  stream,
		maxLen:  maxLen,
		logger:  logger,
		metrics: metrics,
	}
}

func (n *StreamNotifier) HelpRequested(ctx context.Context, req *models.HelpRequest) {
	n.publish(ctx, EventHelpRequested, req)
}

func (n *StreamNotifier) CallerFollowUp(ctx context.Context, req *models.HelpRequest) {
	n.publish(ctx, EventCallerFollowUp, req)
}

func (n *StreamNotifier) RequestsExpired(ctx context.Context, reqs []models.HelpRequest) {
	for i := range reqs {
		n.publish(ctx, EventRequestExpired, &reqs[i])
	}
}

func (n *StreamNotifier) publish(ctx context.Context, event string, req *models.HelpRequest) {
	eventData, err := json.Marshal(req)
	if err != nil {
		n.fail(event, req, err)
		return
	}

	messageID, err := n.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: n.stream,
		MaxLen: n.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"event":                event,
			"request_id":           req.ID,
			"participant_identity": req.ParticipantIdentity,
			"status":               string(req.Status),
			"published_at":         time.Now().UnixMilli(),
			"event_data":           string(eventData),
		},
	}).Result()
	if err != nil {
		n.fail(event, req, err)
		return
	}

	n.metrics.NotificationEvents.WithLabelValues(event, "published").Inc()
	n.logger.WithFields(logrus.Fields{
		"event":      event,
		"request_id": req.ID,
		"message_id": messageID,
	}).Debug("Published notification event to stream")
}

func (n *StreamNotifier) fail(event string, req *models.HelpRequest, err error) {
	n.metrics.NotificationEvents.WithLabelValues(event, "failed").Inc()
	n.logger.WithError(err).WithFields(logrus.Fields{
		"event":      event,
		"request_id": req.ID,
		"stream":     n.stream,
	}).Error("Failed to publish notification event")
}

// Multi fans every event out to each notifier in order.
type Multi []Notifier

func (m Multi) HelpRequested(ctx context.Context, req *models.HelpRequest) {
	for _, n := range m {
		n.HelpRequested(ctx, req)
	}
}

func (m Multi) CallerFollowUp(ctx context.Context, req *models.HelpRequest) {
	for _, n := range m {
		n.CallerFollowUp(ctx, req)
	}
}

func (m Multi) RequestsExpired(ctx context.Context, reqs []models.HelpRequest) {
	for _, n := range m {
		n.RequestsExpired(ctx, reqs)
	}
}
