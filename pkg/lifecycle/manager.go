// Package lifecycle moves help requests through pending, resolved and unresolved.
//
// Every transition is a conditional update in the store guarded by status = pending, so a
// supervisor answer racing the timeout sweep settles on exactly one winner without any
// in-process locking.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"supervisor-escalation/pkg/config"
	"supervisor-escalation/pkg/constants"
	"supervisor-escalation/pkg/metrics"
	"supervisor-escalation/pkg/models"
	"supervisor-escalation/pkg/notify"
	"supervisor-escalation/pkg/store"
)

type Manager struct {
	store    store.HelpRequestStore
	config   *config.Config
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	notifier notify.Notifier
	now      func() time.Time
}

func NewManager(store store.HelpRequestStore, config *config.Config, logger *logrus.Logger, metrics *metrics.Metrics, notifier notify.Notifier) *Manager {
	return &Manager{
		store:    store,
		config:   config,
		logger:   logger,
		metrics:  metrics,
		notifier: notifier,
		now:      time.Now,
	}
}

func (m *Manager) observe(operation string, start time.Time) {
	m.metrics.StoreOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Create opens a pending help request that expires after the configured window.
func (m *Manager) Create(ctx context.Context, session models.SessionContext, question string) (*models.HelpRequest, error) {
	defer m.observe("create_help_request", time.Now())

	question = strings.TrimSpace(question)
	if question == "" {
		return nil, &models.ValidationError{Field: "question", Reason: "must not be empty"}
	}
	if session.RoomName == "" {
		session.RoomName = constants.UnknownRoomName
	}
	if session.ParticipantIdentity == "" {
		session.ParticipantIdentity = constants.UnknownParticipantIdentity
	}

	now := m.now()
	req, err := m.store.CreateHelpRequest(ctx, &models.HelpRequest{
		RoomName:            session.RoomName,
		ParticipantIdentity: session.ParticipantIdentity,
		Question:            question,
		Status:              models.StatusPending,
		CreatedAt:           now,
		TimeoutAt:           now.Add(m.config.RequestTimeout()),
	})
	if err != nil {
		m.logger.WithError(err).WithField("room_name", session.RoomName).Error("Failed to create help request")
		return nil, err
	}

	m.logger.WithFields(logrus.Fields{
		"request_id":           req.ID,
		"room_name":            req.RoomName,
		"participant_identity": req.ParticipantIdentity,
		"timeout_at":           req.TimeoutAt,
	}).Info("Created help request")

	return req, nil
}

// Resolve records the supervisor's answer on a pending request.
func (m *Manager) Resolve(ctx context.Context, id, answer string) (*models.HelpRequest, error) {
	defer m.observe("resolve_help_request", time.Now())

	answer = strings.TrimSpace(answer)
	if answer == "" {
		return nil, &models.ValidationError{Field: "answer", Reason: "must not be empty"}
	}
	return m.transition(ctx, id, models.StatusResolved, &answer)
}

// MarkUnresolved closes a pending request without an answer for the caller. A non-empty
// note is kept in the supervisor answer field.
func (m *Manager) MarkUnresolved(ctx context.Context, id, note string) (*models.HelpRequest, error) {
	defer m.observe("unresolve_help_request", time.Now())

	var answer *string
	if note = strings.TrimSpace(note); note != "" {
		answer = &note
	}
	return m.transition(ctx, id, models.StatusUnresolved, answer)
}

func (m *Manager) transition(ctx context.Context, id string, to models.RequestStatus, answer *string) (*models.HelpRequest, error) {
	req, applied, err := m.store.TransitionHelpRequest(ctx, models.Transition{
		ID:     id,
		From:   models.StatusPending,
		To:     to,
		Answer: answer,
		At:     m.now(),
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		m.logger.WithFields(logrus.Fields{
			"request_id": id,
			"status":     req.Status,
			"target":     to,
		}).Info("Help request already left pending")
		return nil, fmt.Errorf("%w: %s is %s", models.ErrAlreadyResolved, id, req.Status)
	}

	m.metrics.RequestTransitions.WithLabelValues(string(to)).Inc()
	m.logger.WithFields(logrus.Fields{
		"request_id": id,
		"status":     to,
	}).Info("Help request transitioned")

	return req, nil
}

// SweepTimeouts moves every pending request whose timeout is before now to unresolved and
// returns how many changed. Running it again with the same now changes nothing.
func (m *Manager) SweepTimeouts(ctx context.Context, now time.Time) (int, error) {
	start := time.Now()
	defer func() {
		m.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	expired, err := m.store.ExpireHelpRequests(ctx, now)
	if err != nil {
		m.logger.WithError(err).Error("Failed to sweep timed out help requests")
		return 0, err
	}

	if len(expired) > 0 {
		m.metrics.ExpiredRequestsTotal.Add(float64(len(expired)))
		m.metrics.RequestTransitions.WithLabelValues(string(models.StatusUnresolved)).Add(float64(len(expired)))
		m.notifier.RequestsExpired(ctx, expired)
		m.logger.WithFields(logrus.Fields{
			"expired_count": len(expired),
			"now":           now,
		}).Info("Swept timed out help requests")
	}

	return len(expired), nil
}

// Sweep runs SweepTimeouts at the current time.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	return m.SweepTimeouts(ctx, m.now())
}

func (m *Manager) Get(ctx context.Context, id string) (*models.HelpRequest, error) {
	defer m.observe("get_help_request", time.Now())
	return m.store.GetHelpRequest(ctx, id)
}

// ListPending returns every pending request, newest first.
func (m *Manager) ListPending(ctx context.Context) ([]models.HelpRequest, error) {
	defer m.observe("list_pending_help_requests", time.Now())

	pending := models.StatusPending
	reqs, err := m.store.ListHelpRequests(ctx, models.HelpRequestFilter{Status: &pending})
	if err != nil {
		return nil, err
	}
	m.metrics.PendingRequestsCount.Set(float64(len(reqs)))
	return reqs, nil
}

// ListAll returns the most recent requests of any status, capped by the configured list
// limit.
func (m *Manager) ListAll(ctx context.Context, limit int) ([]models.HelpRequest, error) {
	defer m.observe("list_help_requests", time.Now())
	return m.store.ListHelpRequests(ctx, models.HelpRequestFilter{Limit: m.config.EffectiveListLimit(limit)})
}
