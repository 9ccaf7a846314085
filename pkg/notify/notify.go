// Package notify tells people about help request events. Delivery channels (SMS, push,
// webhooks) are not wired; LogNotifier records what would be sent.
package notify

import (
	"context"

	"github.com/sirupsen/logrus"

	"supervisor-escalation/pkg/models"
)

type Notifier interface {
	// HelpRequested alerts supervisors that a caller question needs an answer.
	HelpRequested(ctx context.Context, req *models.HelpRequest)
	// CallerFollowUp relays a supervisor answer back to the caller.
	CallerFollowUp(ctx context.Context, req *models.HelpRequest)
	// RequestsExpired reports requests the sweep moved to unresolved.
	RequestsExpired(ctx context.Context, reqs []models.HelpRequest)
}

type LogNotifier struct {
	logger *logrus.Logger
}

func NewLogNotifier(logger *logrus.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) HelpRequested(ctx context.Context, req *models.HelpRequest) {
	n.logger.WithFields(logrus.Fields{
		"request_id":           req.ID,
		"room_name":            req.RoomName,
		"participant_identity": req.ParticipantIdentity,
		"question":             req.Question,
		"timeout_at":           req.TimeoutAt,
	}).Info("SUPERVISOR NOTIFICATION: caller needs help")
}

func (n *LogNotifier) CallerFollowUp(ctx context.Context, req *models.HelpRequest) {
	fields := logrus.Fields{
		"request_id":           req.ID,
		"room_name":            req.RoomName,
		"participant_identity": req.ParticipantIdentity,
		"status":               req.Status,
	}
	if req.SupervisorAnswer != nil {
		fields["answer"] = *req.SupervisorAnswer
	}
	n.logger.WithFields(fields).Info("CALLER FOLLOW-UP: sending supervisor answer")
}

func (n *LogNotifier) RequestsExpired(ctx context.Context, reqs []models.HelpRequest) {
	for _, req := range reqs {
		n.logger.WithFields(logrus.Fields{
			"request_id":           req.ID,
			"participant_identity": req.ParticipantIdentity,
			"timeout_at":           req.TimeoutAt,
		}).Warn("Help request expired without a supervisor answer")
	}
}
