package knowledge

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"supervisor-escalation/pkg/constants"
	"supervisor-escalation/pkg/metrics"
	"supervisor-escalation/pkg/models"
	"supervisor-escalation/pkg/store"
)

// Service answers caller questions from the knowledge base and maintains it.
type Service struct {
	store   store.KnowledgeStore
	logger  *logrus.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewService(store store.KnowledgeStore, logger *logrus.Logger, metrics *metrics.Metrics) *Service {
	return &Service{
		store:   store,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Search returns the entry that answers question, or nil when nothing matches.
// It never changes usage counts.
func (s *Service) Search(ctx context.Context, question string) (*models.KnowledgeEntry, error) {
	start := time.Now()
	defer func() {
		s.metrics.StoreOperationDuration.WithLabelValues("search_knowledge").Observe(time.Since(start).Seconds())
	}()

	entries, err := s.store.ListKnowledgeEntries(ctx, 0)
	if err != nil {
		s.logger.WithError(err).Error("Failed to load knowledge base for search")
		return nil, err
	}

	result := Match(question, entries)
	if result == nil {
		s.metrics.KnowledgeMatchesTotal.WithLabelValues("none").Inc()
		s.logger.WithFields(logrus.Fields{
			"question": question,
			"entries":  len(entries),
		}).Debug("No knowledge base match")
		return nil, nil
	}

	s.metrics.KnowledgeMatchesTotal.WithLabelValues(string(result.Phase)).Inc()
	s.logger.WithFields(logrus.Fields{
		"question": question,
		"entry_id": result.Entry.ID,
		"phase":    result.Phase,
		"score":    result.Score,
	}).Debug("Knowledge base match")

	entry := result.Entry
	return &entry, nil
}

// IncrementUsage records that an entry's answer was given to a caller.
func (s *Service) IncrementUsage(ctx context.Context, id string) (*models.KnowledgeEntry, error) {
	entry, err := s.store.IncrementKnowledgeUsage(ctx, id)
	if err != nil {
		s.logger.WithError(err).WithField("entry_id", id).Warn("Failed to increment knowledge usage")
		return nil, err
	}
	return entry, nil
}

// Add inserts a new entry. Duplicate questions are allowed.
func (s *Service) Add(ctx context.Context, question, answer string, sourceRequestID *string) (*models.KnowledgeEntry, error) {
	question = strings.TrimSpace(question)
	answer = strings.TrimSpace(answer)
	if question == "" {
		return nil, &models.ValidationError{Field: "question", Reason: "must not be empty"}
	}
	if answer == "" {
		return nil, &models.ValidationError{Field: "answer", Reason: "must not be empty"}
	}
	if sourceRequestID != nil {
		if _, err := uuid.Parse(*sourceRequestID); err != nil {
			return nil, &models.ValidationError{Field: "source_request_id", Reason: "must be a help request id"}
		}
	}

	now := s.now()
	entry, err := s.store.CreateKnowledgeEntry(ctx, &models.KnowledgeEntry{
		Question:        question,
		Answer:          answer,
		SourceRequestID: sourceRequestID,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		s.logger.WithError(err).WithField("question", question).Error("Failed to add knowledge entry")
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"entry_id":          entry.ID,
		"source_request_id": sourceRequestID,
	}).Info("Added knowledge entry")
	return entry, nil
}

// ListAll returns up to limit entries, most used first. limit <= 0 means DefaultListLimit.
func (s *Service) ListAll(ctx context.Context, limit int) ([]models.KnowledgeEntry, error) {
	if limit <= 0 {
		limit = constants.DefaultListLimit
	}
	return s.store.ListKnowledgeEntries(ctx, limit)
}

// seedFile is the on-disk format for curated question and answer pairs.
type seedFile struct {
	Entries []struct {
		Question string `yaml:"question"`
		Answer   string `yaml:"answer"`
	} `yaml:"entries"`
}

// Seed adds the entries in a YAML file, skipping questions already present
// (case-insensitive), and returns how many were added.
func (s *Service) Seed(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading seed file: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return 0, fmt.Errorf("parsing seed file %s: %w", path, err)
	}

	existing, err := s.store.ListKnowledgeEntries(ctx, 0)
	if err != nil {
		return 0, err
	}
	known := make(map[string]bool, len(existing))
	for _, e := range existing {
		known[normalize(e.Question)] = true
	}

	added := 0
	for i, item := range seed.Entries {
		key := normalize(item.Question)
		if known[key] {
			continue
		}
		if _, err := s.Add(ctx, item.Question, item.Answer, nil); err != nil {
			return added, fmt.Errorf("seed entry %d: %w", i, err)
		}
		known[key] = true
		added++
	}

	s.logger.WithFields(logrus.Fields{
		"path":    path,
		"added":   added,
		"skipped": len(seed.Entries) - added,
	}).Info("Seeded knowledge base")
	return added, nil
}
