package broker

import "github.com/taralok/consult/internal/repository"

// allowedTransitions is the authoritative request state machine. Terminal
// states have no outgoing edges; any attempt to leave one must surface
// already_resolved with the state that was actually reached.
var allowedTransitions = map[repository.RequestStatus]map[repository.RequestStatus]struct{}{
	repository.RequestStatusPending: {
		repository.RequestStatusAccepted:           {},
		repository.RequestStatusRejected:           {},
		repository.RequestStatusCancelled:          {},
		repository.RequestStatusRequesterCancelled: {},
		repository.RequestStatusExpired:            {},
	},
	repository.RequestStatusAccepted: {
		// Acceptance rolls back to expired when the requester's connection is
		// gone at hand-off time; otherwise the session runs until ended.
		repository.RequestStatusExpired: {},
		repository.RequestStatusEnded:   {},
	},
}

func canTransition(from, to repository.RequestStatus) bool {
	targets, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = targets[to]
	return ok
}

