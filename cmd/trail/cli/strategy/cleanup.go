package strategy

import (
	"context"
	"log/slog"
	"time"

	"github.com/trailhq/trail/cmd/trail/cli/checkpoint"
	"github.com/trailhq/trail/cmd/trail/cli/logging"
	"github.com/trailhq/trail/cmd/trail/cli/paths"
	"github.com/trailhq/trail/cmd/trail/cli/session"
)

// StuckSessionAge is how long a session may sit active without steps before
// doctor reports it.
const StuckSessionAge = 24 * time.Hour

// OrphanShadowRefs returns shadow refs that no live session references:
// their base is not any session's (BaseCommit, WorktreeID) target. These
// accumulate when promotion succeeded but the ref delete failed, or when a
// session record was removed out of band.
func (s *Shadow) OrphanShadowRefs(ctx context.Context) ([]checkpoint.TemporaryInfo, error) {
	infos, err := s.checkpoints.ListTemporary(ctx)
	if err != nil {
		return nil, err
	}
	states, err := s.sessions.List(ctx)
	if err != nil {
		return nil, err
	}

	live := make(map[string]bool, len(states))
	for _, state := range states {
		live[paths.ShadowRefForCommit(state.BaseCommit, state.WorktreeID)] = true
	}

	var orphans []checkpoint.TemporaryInfo
	for _, info := range infos {
		if !live[info.RefName] {
			orphans = append(orphans, info)
		}
	}
	return orphans, nil
}

// CleanOrphanShadowRefs deletes orphan shadow refs and returns the names
// removed. Individual delete failures are logged and skipped.
func (s *Shadow) CleanOrphanShadowRefs(ctx context.Context) ([]string, error) {
	logCtx := logging.WithComponent(ctx, "cleanup")

	orphans, err := s.OrphanShadowRefs(ctx)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, orphan := range orphans {
		if err := s.git.DeleteRef(orphan.RefName); err != nil {
			logging.Warn(logCtx, "failed to delete orphan shadow ref",
				slog.String("ref", orphan.RefName),
				slog.String("error", err.Error()),
			)
			continue
		}
		removed = append(removed, orphan.RefName)
		logging.Info(logCtx, "orphan shadow ref deleted",
			slog.String("ref", orphan.RefName),
		)
	}
	return removed, nil
}

// StuckSessions returns sessions that look abandoned: still active, older
// than StuckSessionAge, and with no recorded steps.
func (s *Shadow) StuckSessions(ctx context.Context) ([]*session.State, error) {
	states, err := s.sessions.List(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var stuck []*session.State
	for _, state := range states {
		if state.Phase.IsActive() && state.StepCount == 0 && now.Sub(state.StartedAt) > StuckSessionAge {
			stuck = append(stuck, state)
		}
	}
	return stuck, nil
}
