package redisq

import (
	"cequeue/internal/domain"
	"cequeue/internal/ports"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var _ ports.QueueStore = (*Client)(nil)

const activityPage = 256

func (c *Client) Insert(ctx context.Context, t domain.Task) (domain.Task, error) {
	res, err := submitScript.Run(ctx, c.Rdb,
		[]string{c.componentsKey(), c.pendingKey(), c.seqKey(), c.taskKey(t.UUID)},
		t.UUID, t.ComponentKey, t.Type, t.PayloadRef, ms(t.SubmittedAt),
	).Int64()
	if err != nil {
		return domain.Task{}, unavailable("insert task", err)
	}
	switch {
	case res == 0:
		return domain.Task{}, fmt.Errorf("%w: component %s", domain.ErrDuplicateTask, t.ComponentKey)
	case res < 0:
		return domain.Task{}, fmt.Errorf("%w: uuid %s already queued", domain.ErrInvalidTask, t.UUID)
	}

	t.Seq = res
	t.Status = domain.StatusPending
	t.StartedAt = nil
	t.HeartbeatAt = nil
	t.LeaseOwner = ""
	return t, nil
}

func (c *Client) ClaimOldestPending(ctx context.Context, startedAt time.Time, leaseOwner string) (*domain.Task, error) {
	res, err := claimScript.Run(ctx, c.Rdb,
		[]string{c.pendingKey(), c.inProgressKey()},
		c.taskKeyPrefix(), ms(startedAt), leaseOwner,
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("claim task", err)
	}

	h := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		h[res[i]] = res[i+1]
	}
	t := taskFromHash(h)
	return &t, nil
}

func (c *Client) DeleteAndArchive(ctx context.Context, uuid string, comp domain.Completion) (domain.Activity, error) {
	started := ""
	if comp.StartedAt != nil {
		started = ms(*comp.StartedAt)
	}
	res, err := archiveScript.Run(ctx, c.Rdb,
		[]string{c.taskKey(uuid), c.pendingKey(), c.inProgressKey(), c.componentsKey(), c.activityKey()},
		uuid, string(comp.Status), started, ms(comp.EndedAt), comp.ErrorMessage, comp.LeaseOwner,
	).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Activity{}, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, uuid)
	}
	if err != nil {
		return domain.Activity{}, unavailable("archive task", err)
	}
	doc, ok := res.(string)
	if !ok {
		return domain.Activity{}, fmt.Errorf("%w: %s", domain.ErrLeaseLost, uuid)
	}
	return decodeActivity(doc)
}

func (c *Client) Heartbeat(ctx context.Context, uuid, leaseOwner string, at time.Time) (bool, error) {
	n, err := heartbeatScript.Run(ctx, c.Rdb,
		[]string{c.taskKey(uuid), c.inProgressKey()},
		uuid, leaseOwner, ms(at),
	).Int64()
	if err != nil {
		return false, unavailable("heartbeat task", err)
	}
	return n == 1, nil
}

func (c *Client) ResetInProgress(ctx context.Context, staleBefore time.Time) (int64, error) {
	n, err := resetScript.Run(ctx, c.Rdb,
		[]string{c.inProgressKey(), c.pendingKey()},
		c.taskKeyPrefix(), ms(staleBefore),
	).Int64()
	if err != nil {
		return 0, unavailable("reset in-progress tasks", err)
	}
	return n, nil
}

func (c *Client) ListQueue(ctx context.Context) ([]domain.Task, error) {
	pipe := c.Rdb.Pipeline()
	inProgress := pipe.ZRange(ctx, c.inProgressKey(), 0, -1)
	pending := pipe.ZRange(ctx, c.pendingKey(), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("list queue", err)
	}

	ids := inProgress.Val()
	for _, member := range pending.Val() {
		if len(member) > 21 {
			ids = append(ids, member[21:])
		}
	}
	if len(ids) == 0 {
		return []domain.Task{}, nil
	}

	pipe = c.Rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	for _, id := range ids {
		cmds = append(cmds, pipe.HGetAll(ctx, c.taskKey(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, unavailable("list queue", err)
	}

	out := make([]domain.Task, 0, len(cmds))
	for _, cmd := range cmds {
		// archived between the two round trips
		if len(cmd.Val()) == 0 {
			continue
		}
		out = append(out, taskFromHash(cmd.Val()))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Status != out[j].Status {
			return out[i].Status == domain.StatusInProgress
		}
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

// ListActivity walks the history from its tail and stops as soon as Limit
// records matched. Only an unlimited query reads the whole list.
func (c *Client) ListActivity(ctx context.Context, q domain.ActivityQuery) ([]domain.Activity, error) {
	if q.Limit <= 0 {
		docs, err := c.Rdb.LRange(ctx, c.activityKey(), 0, -1).Result()
		if err != nil {
			return nil, unavailable("list activity", err)
		}
		list, err := decodeActivities(docs)
		if err != nil {
			return nil, err
		}
		return q.Apply(list), nil
	}

	if q.ComponentKey == "" && q.Status == "" {
		docs, err := c.Rdb.LRange(ctx, c.activityKey(), -int64(q.Limit), -1).Result()
		if err != nil {
			return nil, unavailable("list activity", err)
		}
		return decodeActivities(docs)
	}

	// the list only grows at its tail, so head based indexes stay valid
	// between pages
	n, err := c.Rdb.LLen(ctx, c.activityKey()).Result()
	if err != nil {
		return nil, unavailable("list activity", err)
	}
	out := make([]domain.Activity, 0, q.Limit)
	for stop := n - 1; stop >= 0 && len(out) < q.Limit; stop -= activityPage {
		start := max(stop-activityPage+1, 0)
		docs, err := c.Rdb.LRange(ctx, c.activityKey(), start, stop).Result()
		if err != nil {
			return nil, unavailable("list activity", err)
		}
		for i := len(docs) - 1; i >= 0 && len(out) < q.Limit; i-- {
			a, err := decodeActivity(docs[i])
			if err != nil {
				return nil, err
			}
			if q.Matches(a) {
				out = append(out, a)
			}
		}
	}
	slices.Reverse(out)
	return out, nil
}

func decodeActivities(docs []string) ([]domain.Activity, error) {
	list := make([]domain.Activity, 0, len(docs))
	for _, doc := range docs {
		a, err := decodeActivity(doc)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, nil
}

func (c *Client) Counts(ctx context.Context) (domain.QueueCounts, error) {
	pipe := c.Rdb.Pipeline()
	pending := pipe.ZCard(ctx, c.pendingKey())
	inProgress := pipe.ZCard(ctx, c.inProgressKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.QueueCounts{}, unavailable("count queue", err)
	}
	return domain.QueueCounts{Pending: pending.Val(), InProgress: inProgress.Val()}, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, op, err)
}

func taskFromHash(h map[string]string) domain.Task {
	t := domain.Task{
		UUID:         h["uuid"],
		Type:         h["type"],
		ComponentKey: h["component"],
		PayloadRef:   h["payload"],
		Status:       domain.TaskStatus(h["status"]),
	}
	t.Seq, _ = strconv.ParseInt(h["seq"], 10, 64)
	t.SubmittedAt, _ = parseMs(h["submitted_at"])
	if started, ok := parseMs(h["started_at"]); ok {
		t.StartedAt = &started
	}
	if beat, ok := parseMs(h["heartbeat_at"]); ok {
		t.HeartbeatAt = &beat
	}
	t.LeaseOwner = h["lease"]
	return t
}

type activityDoc struct {
	UUID         string `json:"uuid"`
	Type         string `json:"type"`
	Component    string `json:"component"`
	Payload      string `json:"payload"`
	Status       string `json:"status"`
	SubmittedAt  string `json:"submitted_at"`
	StartedAt    string `json:"started_at"`
	ExecutedAt   string `json:"executed_at"`
	ErrorMessage string `json:"error_message"`
}

func decodeActivity(doc string) (domain.Activity, error) {
	var d activityDoc
	if err := json.Unmarshal([]byte(doc), &d); err != nil {
		return domain.Activity{}, fmt.Errorf("decode activity: %w", err)
	}

	a := domain.Activity{
		UUID:         d.UUID,
		Type:         d.Type,
		ComponentKey: d.Component,
		PayloadRef:   d.Payload,
		Status:       domain.ActivityStatus(d.Status),
		ErrorMessage: d.ErrorMessage,
	}
	a.SubmittedAt, _ = parseMs(d.SubmittedAt)
	a.ExecutedAt, _ = parseMs(d.ExecutedAt)
	if started, ok := parseMs(d.StartedAt); ok {
		a.StartedAt = &started
		a.ExecutionTimeMs = a.ExecutedAt.Sub(started).Milliseconds()
	}
	return a, nil
}
