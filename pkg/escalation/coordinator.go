// Package escalation decides whether a caller question is answered from the knowledge
// base or handed to a supervisor, and turns supervisor answers into knowledge.
package escalation

import (
	"context"

	"github.com/sirupsen/logrus"

	"supervisor-escalation/pkg/metrics"
	"supervisor-escalation/pkg/models"
	"supervisor-escalation/pkg/notify"
)

// KnowledgeBase is the part of knowledge.Service the coordinator uses.
type KnowledgeBase interface {
	Search(ctx context.Context, question string) (*models.KnowledgeEntry, error)
	IncrementUsage(ctx context.Context, id string) (*models.KnowledgeEntry, error)
	Add(ctx context.Context, question, answer string, sourceRequestID *string) (*models.KnowledgeEntry, error)
}

// Requests is the part of lifecycle.Manager the coordinator uses.
type Requests interface {
	Create(ctx context.Context, session models.SessionContext, question string) (*models.HelpRequest, error)
	Resolve(ctx context.Context, id, answer string) (*models.HelpRequest, error)
}

type Coordinator struct {
	knowledge KnowledgeBase
	requests  Requests
	notifier  notify.Notifier
	logger    *logrus.Logger
	metrics   *metrics.Metrics
}

func NewCoordinator(knowledge KnowledgeBase, requests Requests, notifier notify.Notifier, logger *logrus.Logger, metrics *metrics.Metrics) *Coordinator {
	return &Coordinator{
		knowledge: knowledge,
		requests:  requests,
		notifier:  notifier,
		logger:    logger,
		metrics:   metrics,
	}
}

// Escalate answers question from the knowledge base when possible and otherwise opens a
// help request for a supervisor. Search and create are not atomic: two callers asking the
// same new question at once may both open a request.
func (c *Coordinator) Escalate(ctx context.Context, question string, session models.SessionContext) (*models.EscalationOutcome, error) {
	entry, err := c.knowledge.Search(ctx, question)
	if err != nil {
		return nil, err
	}

	if entry != nil {
		used, err := c.knowledge.IncrementUsage(ctx, entry.ID)
		if err != nil {
			return nil, err
		}

		c.metrics.EscalationsTotal.WithLabelValues(string(models.OutcomeAnswered)).Inc()
		c.logger.WithFields(logrus.Fields{
			"entry_id":             used.ID,
			"room_name":            session.RoomName,
			"participant_identity": session.ParticipantIdentity,
			"usage_count":          used.UsageCount,
		}).Info("Answered caller from knowledge base")

		return &models.EscalationOutcome{
			Kind:   models.OutcomeAnswered,
			Answer: used.Answer,
			Entry:  used,
		}, nil
	}

	req, err := c.requests.Create(ctx, session, question)
	if err != nil {
		return nil, err
	}

	c.metrics.EscalationsTotal.WithLabelValues(string(models.OutcomeEscalated)).Inc()
	c.notifier.HelpRequested(ctx, req)

	return &models.EscalationOutcome{
		Kind:    models.OutcomeEscalated,
		Request: req,
	}, nil
}

// SubmitResolution resolves a help request and, when promote is set, copies the answer
// into the knowledge base. The two writes are independent: if the copy fails the request
// stays resolved and the failure is reported in Resolution.PromotionErr.
func (c *Coordinator) SubmitResolution(ctx context.Context, id, answer string, promote bool) (*models.Resolution, error) {
	req, err := c.requests.Resolve(ctx, id, answer)
	if err != nil {
		return nil, err
	}

	resolution := &models.Resolution{Request: req}

	if promote {
		source := req.ID
		entry, err := c.knowledge.Add(ctx, req.Question, *req.SupervisorAnswer, &source)
		if err != nil {
			c.metrics.PromotionFailures.Inc()
			c.logger.WithError(err).WithField("request_id", req.ID).Error("Failed to add resolved answer to knowledge base")
			resolution.PromotionErr = err
		} else {
			resolution.Entry = entry
		}
	}

	c.notifier.CallerFollowUp(ctx, req)

	return resolution, nil
}
