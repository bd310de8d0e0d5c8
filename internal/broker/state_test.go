package broker

import (
	"testing"

	"github.com/taralok/consult/internal/repository"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to repository.RequestStatus
		want     bool
	}{
		{repository.RequestStatusPending, repository.RequestStatusAccepted, true},
		{repository.RequestStatusPending, repository.RequestStatusRejected, true},
		{repository.RequestStatusPending, repository.RequestStatusCancelled, true},
		{repository.RequestStatusPending, repository.RequestStatusRequesterCancelled, true},
		{repository.RequestStatusPending, repository.RequestStatusExpired, true},
		{repository.RequestStatusPending, repository.RequestStatusEnded, false},
		{repository.RequestStatusAccepted, repository.RequestStatusEnded, true},
		{repository.RequestStatusAccepted, repository.RequestStatusExpired, true},
		{repository.RequestStatusAccepted, repository.RequestStatusRejected, false},
		{repository.RequestStatusAccepted, repository.RequestStatusPending, false},
		{repository.RequestStatusRejected, repository.RequestStatusAccepted, false},
		{repository.RequestStatusEnded, repository.RequestStatusAccepted, false},
		{repository.RequestStatusExpired, repository.RequestStatusAccepted, false},
	}

	for _, c := range cases {
		if got := canTransition(c.from, c.to); got != c.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}
