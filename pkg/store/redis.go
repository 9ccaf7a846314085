package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"supervisor-escalation/pkg/constants"
	"supervisor-escalation/pkg/models"
)

// transitionScript applies a status change only while the request is in ARGV[1] and
// returns {applied, HGETALL}. A missing request yields nil.
var transitionScript = redis.NewScript(`
	local status = redis.call("HGET", KEYS[1], "status")
	if not status then
		return false
	end
	if status ~= ARGV[1] then
		return {0, redis.call("HGETALL", KEYS[1])}
	end
	redis.call("HSET", KEYS[1], "status", ARGV[2], "resolved_at", ARGV[3])
	if ARGV[4] == "1" then
		redis.call("HSET", KEYS[1], "supervisor_answer", ARGV[5])
	end
	redis.call("ZREM", KEYS[2], ARGV[6])
	return {1, redis.call("HGETALL", KEYS[1])}
`)

// expireScript moves every pending request whose timeout score is below ARGV[1] to
// unresolved and returns the ids it changed.
var expireScript = redis.NewScript(`
	local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[1])
	local expired = {}
	for _, id in ipairs(ids) do
		local key = ARGV[3] .. id
		if redis.call("HGET", key, "status") == ARGV[4] then
			redis.call("HSET", key, "status", ARGV[5], "resolved_at", ARGV[2])
			table.insert(expired, id)
		end
		redis.call("ZREM", KEYS[1], id)
	end
	return expired
`)

// incrementScript bumps usage_count and the usage index together. A missing entry
// yields nil.
var incrementScript = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 0 then
		return false
	end
	local count = redis.call("HINCRBY", KEYS[1], "usage_count", 1)
	redis.call("ZADD", KEYS[2], count, ARGV[1])
	return redis.call("HGETALL", KEYS[1])
`)

// RedisStore keeps each record in a hash and indexes them with sorted sets: help
// requests by creation time, pending help requests by timeout, knowledge entries by
// usage count.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Client exposes the connection so the sweeper can share it for leader election.
func (s *RedisStore) Client() *redis.Client {
	return s.rdb
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func helpRequestKey(id string) string {
	return constants.HelpRequestKeyPrefix + id
}

func knowledgeKey(id string) string {
	return constants.KnowledgeKeyPrefix + id
}

// score keeps microsecond precision, which float64 represents exactly for current dates.
func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// --- Help requests ---

func (s *RedisStore) CreateHelpRequest(ctx context.Context, req *models.HelpRequest) (*models.HelpRequest, error) {
	created := *req
	if created.ID == "" {
		created.ID = uuid.New().String()
	}

	fields := map[string]interface{}{
		"id":                   created.ID,
		"room_name":            created.RoomName,
		"participant_identity": created.ParticipantIdentity,
		"question":             created.Question,
		"status":               string(created.Status),
		"created_at":           formatTime(created.CreatedAt),
		"timeout_at":           formatTime(created.TimeoutAt),
	}
	if created.SupervisorAnswer != nil {
		fields["supervisor_answer"] = *created.SupervisorAnswer
	}
	if created.ResolvedAt != nil {
		fields["resolved_at"] = formatTime(*created.ResolvedAt)
	}
	if len(created.Metadata) > 0 {
		data, err := json.Marshal(created.Metadata)
		if err != nil {
			return nil, &models.ValidationError{Field: "metadata", Reason: err.Error()}
		}
		fields["metadata"] = string(data)
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, helpRequestKey(created.ID), fields)
		pipe.ZAdd(ctx, constants.HelpRequestsByCreatedKey, &redis.Z{
			Score:  score(created.CreatedAt),
			Member: created.ID,
		})
		if created.Status == models.StatusPending {
			pipe.ZAdd(ctx, constants.PendingHelpRequestsKey, &redis.Z{
				Score:  score(created.TimeoutAt),
				Member: created.ID,
			})
		}
		return nil
	})
	if err != nil {
		return nil, models.NewStoreError("insert help request", err)
	}

	return s.GetHelpRequest(ctx, created.ID)
}

func (s *RedisStore) GetHelpRequest(ctx context.Context, id string) (*models.HelpRequest, error) {
	fields, err := s.rdb.HGetAll(ctx, helpRequestKey(id)).Result()
	if err != nil {
		return nil, models.NewStoreError("get help request", err)
	}
	if len(fields) == 0 {
		return nil, models.ErrNotFound
	}

	req, err := decodeHelpRequest(fields)
	if err != nil {
		return nil, models.NewStoreError("get help request", err)
	}
	return req, nil
}

func (s *RedisStore) ListHelpRequests(ctx context.Context, filter models.HelpRequestFilter) ([]models.HelpRequest, error) {
	var (
		ids []string
		err error
	)
	switch {
	case filter.Status != nil && *filter.Status == models.StatusPending:
		ids, err = s.rdb.ZRange(ctx, constants.PendingHelpRequestsKey, 0, -1).Result()
	case filter.Status == nil && filter.Limit > 0:
		ids, err = s.rdb.ZRevRange(ctx, constants.HelpRequestsByCreatedKey, 0, int64(filter.Limit-1)).Result()
	default:
		ids, err = s.rdb.ZRevRange(ctx, constants.HelpRequestsByCreatedKey, 0, -1).Result()
	}
	if err != nil {
		return nil, models.NewStoreError("list help requests", err)
	}

	requests, err := s.loadHelpRequests(ctx, ids)
	if err != nil {
		return nil, models.NewStoreError("list help requests", err)
	}

	results := []models.HelpRequest{}
	for _, req := range requests {
		if filter.Status != nil && req.Status != *filter.Status {
			continue
		}
		results = append(results, req)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if !results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].CreatedAt.After(results[j].CreatedAt)
		}
		return results[i].ID > results[j].ID
	})
	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

func (s *RedisStore) TransitionHelpRequest(ctx context.Context, t models.Transition) (*models.HelpRequest, bool, error) {
	hasAnswer, answer := "0", ""
	if t.Answer != nil {
		hasAnswer, answer = "1", *t.Answer
	}

	res, err := transitionScript.Run(ctx, s.rdb,
		[]string{helpRequestKey(t.ID), constants.PendingHelpRequestsKey},
		string(t.From), string(t.To), formatTime(t.At), hasAnswer, answer, t.ID,
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, models.ErrNotFound
	}
	if err != nil {
		return nil, false, models.NewStoreError("transition help request", err)
	}

	reply, ok := res.([]interface{})
	if !ok || len(reply) != 2 {
		return nil, false, models.NewStoreError("transition help request", fmt.Errorf("unexpected script reply %v", res))
	}
	applied, _ := reply[0].(int64)
	fields, err := pairsToMap(reply[1])
	if err != nil {
		return nil, false, models.NewStoreError("transition help request", err)
	}

	req, err := decodeHelpRequest(fields)
	if err != nil {
		return nil, false, models.NewStoreError("transition help request", err)
	}
	return req, applied == 1, nil
}

func (s *RedisStore) ExpireHelpRequests(ctx context.Context, now time.Time) ([]models.HelpRequest, error) {
	ids, err := expireScript.Run(ctx, s.rdb,
		[]string{constants.PendingHelpRequestsKey},
		strconv.FormatInt(now.UnixMicro(), 10), formatTime(now), constants.HelpRequestKeyPrefix,
		string(models.StatusPending), string(models.StatusUnresolved),
	).StringSlice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, models.NewStoreError("expire help requests", err)
	}

	expired, err := s.loadHelpRequests(ctx, ids)
	if err != nil {
		return nil, models.NewStoreError("expire help requests", err)
	}
	return expired, nil
}

func (s *RedisStore) loadHelpRequests(ctx context.Context, ids []string) ([]models.HelpRequest, error) {
	if len(ids) == 0 {
		return []models.HelpRequest{}, nil
	}

	cmds := make([]*redis.StringStringMapCmd, len(ids))
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, helpRequestKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	requests := make([]models.HelpRequest, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		req, err := decodeHelpRequest(fields)
		if err != nil {
			return nil, err
		}
		requests = append(requests, *req)
	}
	return requests, nil
}

// --- Knowledge base ---

func (s *RedisStore) CreateKnowledgeEntry(ctx context.Context, entry *models.KnowledgeEntry) (*models.KnowledgeEntry, error) {
	created := *entry
	if created.ID == "" {
		created.ID = uuid.New().String()
	}

	fields := map[string]interface{}{
		"id":          created.ID,
		"question":    created.Question,
		"answer":      created.Answer,
		"usage_count": created.UsageCount,
		"created_at":  formatTime(created.CreatedAt),
		"updated_at":  formatTime(created.UpdatedAt),
	}
	if created.SourceRequestID != nil {
		fields["source_request_id"] = *created.SourceRequestID
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, knowledgeKey(created.ID), fields)
		pipe.ZAdd(ctx, constants.KnowledgeByUsageKey, &redis.Z{
			Score:  float64(created.UsageCount),
			Member: created.ID,
		})
		return nil
	})
	if err != nil {
		return nil, models.NewStoreError("insert knowledge entry", err)
	}

	return s.GetKnowledgeEntry(ctx, created.ID)
}

func (s *RedisStore) GetKnowledgeEntry(ctx context.Context, id string) (*models.KnowledgeEntry, error) {
	fields, err := s.rdb.HGetAll(ctx, knowledgeKey(id)).Result()
	if err != nil {
		return nil, models.NewStoreError("get knowledge entry", err)
	}
	if len(fields) == 0 {
		return nil, models.ErrNotFound
	}

	entry, err := decodeKnowledgeEntry(fields)
	if err != nil {
		return nil, models.NewStoreError("get knowledge entry", err)
	}
	return entry, nil
}

func (s *RedisStore) ListKnowledgeEntries(ctx context.Context, limit int) ([]models.KnowledgeEntry, error) {
	ids, err := s.rdb.ZRevRange(ctx, constants.KnowledgeByUsageKey, 0, -1).Result()
	if err != nil {
		return nil, models.NewStoreError("list knowledge entries", err)
	}

	results := []models.KnowledgeEntry{}
	if len(ids) > 0 {
		cmds := make([]*redis.StringStringMapCmd, len(ids))
		_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, id := range ids {
				cmds[i] = pipe.HGetAll(ctx, knowledgeKey(id))
			}
			return nil
		})
		if err != nil {
			return nil, models.NewStoreError("list knowledge entries", err)
		}

		for _, cmd := range cmds {
			fields := cmd.Val()
			if len(fields) == 0 {
				continue
			}
			entry, err := decodeKnowledgeEntry(fields)
			if err != nil {
				return nil, models.NewStoreError("list knowledge entries", err)
			}
			results = append(results, *entry)
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.UsageCount != b.UsageCount {
			return a.UsageCount > b.UsageCount
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *RedisStore) IncrementKnowledgeUsage(ctx context.Context, id string) (*models.KnowledgeEntry, error) {
	res, err := incrementScript.Run(ctx, s.rdb,
		[]string{knowledgeKey(id), constants.KnowledgeByUsageKey}, id,
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, models.NewStoreError("increment knowledge usage", err)
	}

	fields, err := pairsToMap(res)
	if err != nil {
		return nil, models.NewStoreError("increment knowledge usage", err)
	}
	entry, err := decodeKnowledgeEntry(fields)
	if err != nil {
		return nil, models.NewStoreError("increment knowledge usage", err)
	}
	return entry, nil
}

// --- Hash decoding ---

// pairsToMap converts an HGETALL reply returned from a script into a map.
func pairsToMap(v interface{}) (map[string]string, error) {
	pairs, ok := v.([]interface{})
	if !ok || len(pairs)%2 != 0 {
		return nil, fmt.Errorf("unexpected hash reply %v", v)
	}
	fields := make(map[string]string, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		key, _ := pairs[i].(string)
		value, _ := pairs[i+1].(string)
		fields[key] = value
	}
	return fields, nil
}

func decodeHelpRequest(fields map[string]string) (*models.HelpRequest, error) {
	req := &models.HelpRequest{
		ID:                  fields["id"],
		RoomName:            fields["room_name"],
		ParticipantIdentity: fields["participant_identity"],
		Question:            fields["question"],
		Status:              models.RequestStatus(fields["status"]),
	}

	var err error
	if req.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if req.TimeoutAt, err = time.Parse(time.RFC3339Nano, fields["timeout_at"]); err != nil {
		return nil, fmt.Errorf("parsing timeout_at: %w", err)
	}
	if v, ok := fields["resolved_at"]; ok {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("parsing resolved_at: %w", err)
		}
		req.ResolvedAt = &t
	}
	if v, ok := fields["supervisor_answer"]; ok {
		req.SupervisorAnswer = &v
	}
	if v, ok := fields["metadata"]; ok && v != "" {
		if err := json.Unmarshal([]byte(v), &req.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata: %w", err)
		}
	}
	return req, nil
}

func decodeKnowledgeEntry(fields map[string]string) (*models.KnowledgeEntry, error) {
	entry := &models.KnowledgeEntry{
		ID:       fields["id"],
		Question: fields["question"],
		Answer:   fields["answer"],
	}

	var err error
	if entry.UsageCount, err = strconv.ParseInt(fields["usage_count"], 10, 64); err != nil {
		return nil, fmt.Errorf("parsing usage_count: %w", err)
	}
	if entry.CreatedAt, err = time.Parse(time.RFC3339Nano, fields["created_at"]); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if entry.UpdatedAt, err = time.Parse(time.RFC3339Nano, fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if v, ok := fields["source_request_id"]; ok {
		entry.SourceRequestID = &v
	}
	return entry, nil
}
