package model

// leaderTransitions enumerates the allowed leader status transitions.
// PENDING -> ACTIVE | REJECTED, ACTIVE -> SUSPENDED | INACTIVE,
// SUSPENDED -> ACTIVE | INACTIVE. INACTIVE and REJECTED are terminal.
var leaderTransitions = map[LeaderStatus][]LeaderStatus{
	LeaderPending:   {LeaderActive, LeaderRejected},
	LeaderActive:    {LeaderSuspended, LeaderInactive},
	LeaderSuspended: {LeaderActive, LeaderInactive},
}

// followerTransitions enumerates the allowed subscription transitions.
// ACTIVE <-> PAUSED, and either -> STOPPED. STOPPED is terminal.
var followerTransitions = map[FollowerStatus][]FollowerStatus{
	FollowerActive: {FollowerPaused, FollowerStopped},
	FollowerPaused: {FollowerActive, FollowerStopped},
}

// ValidateLeaderTransition returns an InvalidTransitionError unless moving
// from one leader status to another is allowed.
func ValidateLeaderTransition(from, to LeaderStatus) error {
	for _, allowed := range leaderTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return &InvalidTransitionError{Entity: "leader", From: string(from), To: string(to)}
}

// ValidateFollowerTransition returns an error unless moving from one
// subscription status to another is allowed. A transition out of STOPPED
// yields ErrSubscriptionStopped so callers can surface it verbatim.
func ValidateFollowerTransition(from, to FollowerStatus) error {
	if from == FollowerStopped {
		return ErrSubscriptionStopped
	}
	for _, allowed := range followerTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return &InvalidTransitionError{Entity: "follower", From: string(from), To: string(to)}
}
