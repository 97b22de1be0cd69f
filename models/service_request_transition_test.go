package models_test

import (
	"testing"

	"bitbucket.org/fixmatehq/dispatch_backend/models"
)

func TestTransitionAllowed(t *testing.T) {
	cases := []struct {
		name   string
		action models.TransitionAction
		from   models.RequestStatus
		actor  models.Actor
		wantTo models.RequestStatus
		wantOk bool
	}{
		{"helper starts assigned work", models.ActionStartWork, models.RequestStatusAssigned, models.ActorAssignedHelper, models.RequestStatusInProgress, true},
		{"admin starts assigned work", models.ActionStartWork, models.RequestStatusAssigned, models.ActorAdmin, models.RequestStatusInProgress, true},
		{"customer cannot start work", models.ActionStartWork, models.RequestStatusAssigned, models.ActorCustomer, "", false},
		{"cannot start open request", models.ActionStartWork, models.RequestStatusOpen, models.ActorAssignedHelper, "", false},
		{"cannot start completed request", models.ActionStartWork, models.RequestStatusCompleted, models.ActorAssignedHelper, "", false},

		{"helper completes in-progress", models.ActionComplete, models.RequestStatusInProgress, models.ActorAssignedHelper, models.RequestStatusCompleted, true},
		{"customer completes in-progress", models.ActionComplete, models.RequestStatusInProgress, models.ActorCustomer, models.RequestStatusCompleted, true},
		{"cannot complete assigned", models.ActionComplete, models.RequestStatusAssigned, models.ActorAssignedHelper, "", false},
		{"stranger cannot complete", models.ActionComplete, models.RequestStatusInProgress, models.ActorNone, "", false},

		{"customer cancels open", models.ActionCancel, models.RequestStatusOpen, models.ActorCustomer, models.RequestStatusCancelled, true},
		{"customer cancels assigned", models.ActionCancel, models.RequestStatusAssigned, models.ActorCustomer, models.RequestStatusCancelled, true},
		{"customer cancels in-progress", models.ActionCancel, models.RequestStatusInProgress, models.ActorCustomer, models.RequestStatusCancelled, true},
		{"helper cannot cancel", models.ActionCancel, models.RequestStatusAssigned, models.ActorAssignedHelper, "", false},
		{"cannot cancel completed", models.ActionCancel, models.RequestStatusCompleted, models.ActorCustomer, "", false},
		{"cannot cancel cancelled", models.ActionCancel, models.RequestStatusCancelled, models.ActorAdmin, "", false},

		{"unknown action", models.TransitionAction("pause"), models.RequestStatusAssigned, models.ActorAdmin, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			to, ok := models.TransitionAllowed(tc.action, tc.from, tc.actor)
			if ok != tc.wantOk {
				t.Fatalf("TransitionAllowed(%s, %s) ok = %v; want %v", tc.action, tc.from, ok, tc.wantOk)
			}
			if ok && to != tc.wantTo {
				t.Fatalf("TransitionAllowed(%s, %s) target = %s; want %s", tc.action, tc.from, to, tc.wantTo)
			}
		})
	}
}

// Terminal states must have no way out for any actor or action.
func TestTransitionAllowed_TerminalStates(t *testing.T) {
	actions := []models.TransitionAction{models.ActionStartWork, models.ActionComplete, models.ActionCancel}
	actors := []models.Actor{models.ActorCustomer, models.ActorAssignedHelper, models.ActorAdmin, models.ActorNone}
	for _, from := range []models.RequestStatus{models.RequestStatusCompleted, models.RequestStatusCancelled} {
		for _, action := range actions {
			for _, actor := range actors {
				if _, ok := models.TransitionAllowed(action, from, actor); ok {
					t.Fatalf("%s from %s by actor %d should not be allowed", action, from, actor)
				}
			}
		}
	}
}
