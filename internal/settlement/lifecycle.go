package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/copytrade/copy-engine/internal/model"
	"github.com/copytrade/copy-engine/internal/store"
)

// Leader and follower status transitions. These validate and apply the state
// machine with the entity row locked, so two admins cannot approve or
// suspend the same entity concurrently.

// ApproveLeader moves a PENDING leader to ACTIVE.
func (e *Engine) ApproveLeader(ctx context.Context, leaderID, actorID string) error {
	return e.transitionLeader(ctx, leaderID, model.LeaderActive, "", actorID, "leader.approve")
}

// RejectLeader moves a PENDING leader to REJECTED.
func (e *Engine) RejectLeader(ctx context.Context, leaderID, reason, actorID string) error {
	return e.transitionLeader(ctx, leaderID, model.LeaderRejected, reason, actorID, "leader.reject")
}

// SuspendLeader moves an ACTIVE leader to SUSPENDED. A reason is required.
// All of the leader's ACTIVE followers are paused; pausing is not stopping,
// so allocations remain intact and no funds move.
func (e *Engine) SuspendLeader(ctx context.Context, leaderID, reason, actorID string) (paused int, err error) {
	if reason == "" {
		return 0, ErrReasonRequired
	}

	err = e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		leader, err := tx.GetLeaderForUpdate(ctx, leaderID)
		if err != nil {
			return err
		}
		if err := model.ValidateLeaderTransition(leader.Status, model.LeaderSuspended); err != nil {
			return err
		}

		followers, err := tx.ListFollowersByLeader(ctx, leaderID, model.FollowerActive)
		if err != nil {
			return err
		}
		for _, f := range followers {
			if err := tx.UpdateFollowerStatus(ctx, f.ID, model.FollowerPaused); err != nil {
				return err
			}
			paused++
		}

		if err := tx.UpdateLeaderStatus(ctx, leaderID, model.LeaderSuspended, reason); err != nil {
			return err
		}

		return tx.AppendAuditLog(ctx, &model.AuditLog{
			ID:         uuid.New().String(),
			EntityType: "leader",
			EntityID:   leaderID,
			Action:     "leader.suspend",
			OldValue:   model.EncodeSnapshot(model.Snapshot{"status": leader.Status}),
			NewValue: model.EncodeSnapshot(model.Snapshot{
				"status":           model.LeaderSuspended,
				"followers_paused": paused,
			}),
			ActorID:   actorID,
			Reason:    reason,
			CreatedAt: time.Now().UTC(),
		})
	})
	if err != nil {
		return 0, err
	}

	e.publish(Event{Type: "leader_suspended", LeaderID: leaderID, Reason: reason})
	slog.Info("leader suspended", "leader", leaderID, "followers_paused", paused)
	return paused, nil
}

// ReinstateLeader moves a SUSPENDED leader back to ACTIVE. Followers paused
// by the suspension stay paused; each resumes on their own.
func (e *Engine) ReinstateLeader(ctx context.Context, leaderID, actorID string) error {
	return e.transitionLeader(ctx, leaderID, model.LeaderActive, "", actorID, "leader.reinstate")
}

func (e *Engine) transitionLeader(ctx context.Context, leaderID string, to model.LeaderStatus, reason, actorID, action string) error {
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		leader, err := tx.GetLeaderForUpdate(ctx, leaderID)
		if err != nil {
			return err
		}
		if err := model.ValidateLeaderTransition(leader.Status, to); err != nil {
			return err
		}
		if err := tx.UpdateLeaderStatus(ctx, leaderID, to, reason); err != nil {
			return err
		}
		return tx.AppendAuditLog(ctx, &model.AuditLog{
			ID:         uuid.New().String(),
			EntityType: "leader",
			EntityID:   leaderID,
			Action:     action,
			OldValue:   model.EncodeSnapshot(model.Snapshot{"status": leader.Status}),
			NewValue:   model.EncodeSnapshot(model.Snapshot{"status": to}),
			ActorID:    actorID,
			Reason:     reason,
			CreatedAt:  time.Now().UTC(),
		})
	})
	if err != nil {
		return err
	}

	slog.Info("leader status changed", "leader", leaderID, "status", to, "action", action)
	return nil
}

// PauseSubscription moves an ACTIVE subscription to PAUSED. Allocations are
// untouched; no funds move.
func (e *Engine) PauseSubscription(ctx context.Context, followerID, actorID string) error {
	return e.transitionFollower(ctx, followerID, model.FollowerPaused, actorID, "subscription.pause")
}

// ResumeSubscription moves a PAUSED subscription back to ACTIVE.
func (e *Engine) ResumeSubscription(ctx context.Context, followerID, actorID string) error {
	return e.transitionFollower(ctx, followerID, model.FollowerActive, actorID, "subscription.resume")
}

func (e *Engine) transitionFollower(ctx context.Context, followerID string, to model.FollowerStatus, actorID, action string) error {
	err := e.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		follower, err := tx.GetFollowerForUpdate(ctx, followerID)
		if err != nil {
			return err
		}
		if err := model.ValidateFollowerTransition(follower.Status, to); err != nil {
			return err
		}
		if err := tx.UpdateFollowerStatus(ctx, followerID, to); err != nil {
			return err
		}
		return tx.AppendAuditLog(ctx, &model.AuditLog{
			ID:         uuid.New().String(),
			EntityType: "follower",
			EntityID:   followerID,
			Action:     action,
			OldValue:   model.EncodeSnapshot(model.Snapshot{"status": follower.Status}),
			NewValue:   model.EncodeSnapshot(model.Snapshot{"status": to}),
			ActorID:    actorID,
			CreatedAt:  time.Now().UTC(),
		})
	})
	if err != nil {
		return err
	}

	slog.Info("subscription status changed", "follower", followerID, "status", to)
	return nil
}
