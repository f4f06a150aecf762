package state

import (
	"context"
	"encoding/json"

	"github.com/shelfware/bindery/job"
	"github.com/shelfware/bindery/logger"
)

// Event is one job update published on the events channel. Events are
// advisory: consumers that miss one can always read the record directly.
type Event struct {
	ID        string     `json:"id"`
	Status    job.Status `json:"status"`
	Stage     int        `json:"stage_index"`
	Error     string     `json:"error,omitempty"`
	UpdatedAt string     `json:"updated_at"`
}

// publish emits a job update event. Publish failures are logged, never
// propagated, since the record write already succeeded.
func (s *Store) publish(ctx context.Context, j *job.Job) {
	payload, err := json.Marshal(Event{
		ID:        j.ID,
		Status:    j.Status,
		Stage:     j.StageIndex,
		Error:     j.Error,
		UpdatedAt: formatTime(j.UpdatedAt),
	})
	if err != nil {
		logger.Warnw("Failed to encode job event", "job_id", j.ID, "error", err)
		return
	}
	if err := s.rdb.Publish(ctx, s.eventsChannel(), payload).Err(); err != nil {
		logger.Warnw("Failed to publish job event", "job_id", j.ID, "error", err)
	}
}

// Subscribe streams job update events until ctx is cancelled. The returned
// channel is closed when the subscription ends.
func (s *Store) Subscribe(ctx context.Context) <-chan Event {
	sub := s.rdb.Subscribe(ctx, s.eventsChannel())
	out := make(chan Event, 64)

	go func() {
		defer close(out)
		defer sub.Close()

		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					logger.Warnw("Dropping malformed job event", "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
