package delegation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anneschuth/pinchwork/internal/events"
	"github.com/anneschuth/pinchwork/internal/task"
)

const unparseableVerdict = `{"meets_requirements": false, "explanation": "Unparseable verification result"}`

// ProcessSystemResult digests a delivered system child onto its parent.
// Garbage results never error the delivery: an unusable match falls back
// to broadcast, an unusable verdict counts as failed.
func (s *Service) ProcessSystemResult(ctx context.Context, child *task.Task) error {
	if !child.IsSystem || child.ParentTaskID == "" {
		return nil
	}
	switch child.SystemTaskType {
	case task.SystemMatch:
		return s.processMatch(ctx, child)
	case task.SystemVerify:
		return s.processVerify(ctx, child)
	default:
		s.logger.Warn("unknown system task type",
			"child_id", child.ID,
			"system_task_type", child.SystemTaskType,
		)
		return nil
	}
}

func (s *Service) processMatch(ctx context.Context, child *task.Task) error {
	parent, err := s.tasks.Get(ctx, child.ParentTaskID)
	if errors.Is(err, task.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	// Only a parent still waiting on its match takes one. Re-processing a
	// result the parent already digested would clobber live match rows.
	if parent.MatchStatus != task.MatchPending {
		return nil
	}

	ranked := s.validAgents(ctx, parseRankedAgents(child.Result), parent.PosterID)
	if len(ranked) == 0 {
		s.logger.Info("match result unusable, broadcasting",
			"task_id", parent.ID,
			"child_id", child.ID,
		)
		return s.broadcast(ctx, parent.ID)
	}

	if err := s.tasks.AddMatches(ctx, parent.ID, ranked); err != nil {
		return fmt.Errorf("add matches: %w", err)
	}
	if err := s.tasks.SetMatchStatus(ctx, parent.ID, task.MatchPending, task.MatchMatched, nil); err != nil {
		if errors.Is(err, task.ErrConflict) {
			// The parent moved on while the child was in flight; take the
			// now-stale match rows back out.
			if cerr := s.tasks.ClearMatches(ctx, parent.ID); cerr != nil {
				s.logger.Warn("clear stale matches", "task_id", parent.ID, "error", cerr)
			}
			return nil
		}
		return err
	}

	s.bus.PublishMany(ranked, events.Event{
		Kind:   events.TaskPosted,
		TaskID: parent.ID,
		Data: map[string]any{
			"max_credits": parent.MaxCredits,
			"tags":        parent.Tags,
		},
	})
	s.logger.Info("agents matched",
		"task_id", parent.ID,
		"child_id", child.ID,
		"matched", len(ranked),
	)
	return nil
}

func (s *Service) processVerify(ctx context.Context, child *task.Task) error {
	parent, err := s.tasks.Get(ctx, child.ParentTaskID)
	if errors.Is(err, task.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	meets, ok := parseVerification(child.Result)
	verdict, result := task.VerifyFailed, child.Result
	if !ok {
		result = unparseableVerdict
	} else if meets {
		verdict = task.VerifyPassed
	}

	if err := s.tasks.SetVerification(ctx, parent.ID, task.VerifyPending, verdict, result); err != nil {
		// Conflict: the poster settled or rejected first, nothing to record.
		if errors.Is(err, task.ErrConflict) {
			return nil
		}
		return err
	}
	s.logger.Info("verification recorded",
		"task_id", parent.ID,
		"child_id", child.ID,
		"verdict", string(verdict),
	)

	if verdict != task.VerifyPassed || s.approver == nil {
		return nil
	}
	// A passed verification approves on the poster's behalf.
	if err := s.approver.AutoApprove(ctx, parent.ID); err != nil && !errors.Is(err, task.ErrConflict) {
		return fmt.Errorf("approve after verification: %w", err)
	}
	return nil
}

// broadcast opens a pending parent to everyone. A conflict means the
// parent already moved on and is not an error.
func (s *Service) broadcast(ctx context.Context, parentID string) error {
	err := s.tasks.SetMatchStatus(ctx, parentID, task.MatchPending, task.MatchBroadcast, nil)
	if errors.Is(err, task.ErrConflict) {
		return nil
	}
	return err
}

// validAgents filters a ranked list down to real, distinct agents other
// than the poster, preserving order and capping at the configured limit.
func (s *Service) validAgents(ctx context.Context, ids []string, posterID string) []string {
	if len(ids) > s.cfg.MaxMatchedAgents {
		ids = ids[:s.cfg.MaxMatchedAgents]
	}
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" || id == posterID || seen[id] {
			continue
		}
		seen[id] = true
		if _, err := s.agents.Get(ctx, id); err != nil {
			continue
		}
		out = append(out, id)
	}
	return out
}

// parseRankedAgents pulls agent ids out of a match result. Entries may be
// plain strings or objects carrying an agent_id; anything else is skipped.
func parseRankedAgents(result string) []string {
	var payload struct {
		RankedAgents []json.RawMessage `json:"ranked_agents"`
	}
	if err := json.Unmarshal([]byte(result), &payload); err != nil {
		return nil
	}

	out := make([]string, 0, len(payload.RankedAgents))
	for _, raw := range payload.RankedAgents {
		var id string
		if err := json.Unmarshal(raw, &id); err == nil {
			out = append(out, id)
			continue
		}
		var entry struct {
			AgentID string `json:"agent_id"`
		}
		if err := json.Unmarshal(raw, &entry); err == nil && entry.AgentID != "" {
			out = append(out, entry.AgentID)
		}
	}
	return out
}

// parseVerification reads a verify result. ok is false when the result is
// not JSON at all; a missing meets_requirements field reads as false.
func parseVerification(result string) (meets, ok bool) {
	var payload struct {
		Meets bool `json:"meets_requirements"`
	}
	if err := json.Unmarshal([]byte(result), &payload); err != nil {
		return false, false
	}
	return payload.Meets, true
}
