package matching_test

import (
	"testing"
	"time"

	"bitbucket.org/fixmatehq/dispatch_backend/matching"
)

func TestScoreHelper_Weights(t *testing.T) {
	now := time.Now()
	fresh := now.Add(-time.Minute)

	// Best possible helper: at the doorstep, 5 stars, long track record,
	// location just updated.
	best := matching.ScoreHelper(0, 10, 5, 50, &fresh, now)
	if best != 100 {
		t.Fatalf("best-case score = %v; want 100", best)
	}

	// Worst in-radius helper: at the edge, unrated, no jobs, stale location.
	worst := matching.ScoreHelper(10, 10, 0, 0, nil, now)
	if worst != 0 {
		t.Fatalf("worst-case score = %v; want 0", worst)
	}
}

func TestScoreHelper_ProximityLinear(t *testing.T) {
	now := time.Now()
	half := matching.ScoreHelper(5, 10, 0, 0, nil, now)
	if half != 20 {
		t.Fatalf("half-radius proximity = %v; want 20", half)
	}
}

func TestScoreHelper_TrackRecordSaturates(t *testing.T) {
	now := time.Now()
	at50 := matching.ScoreHelper(0, 10, 0, 50, nil, now)
	at500 := matching.ScoreHelper(0, 10, 0, 500, nil, now)
	if at50 != at500 {
		t.Fatalf("track record should saturate at 50 jobs: %v vs %v", at50, at500)
	}
	if at50 != 40+15 {
		t.Fatalf("50 jobs at doorstep = %v; want 55", at50)
	}
}

func TestScoreHelper_LocationFreshnessBands(t *testing.T) {
	now := time.Now()
	fresh := now.Add(-5 * time.Minute)
	stale := now.Add(-30 * time.Minute)
	dead := now.Add(-2 * time.Hour)

	sFresh := matching.ScoreHelper(0, 10, 0, 0, &fresh, now)
	sStale := matching.ScoreHelper(0, 10, 0, 0, &stale, now)
	sDead := matching.ScoreHelper(0, 10, 0, 0, &dead, now)

	if sFresh != 55 {
		t.Fatalf("fresh location = %v; want 55", sFresh)
	}
	if sStale != 48 {
		t.Fatalf("half-hour location = %v; want 48", sStale)
	}
	if sDead != 40 {
		t.Fatalf("two-hour location = %v; want 40", sDead)
	}
}

func TestScoreHelper_RatingClamped(t *testing.T) {
	now := time.Now()
	five := matching.ScoreHelper(0, 10, 5, 0, nil, now)
	six := matching.ScoreHelper(0, 10, 6, 0, nil, now)
	if five != six {
		t.Fatalf("rating above 5 should clamp: %v vs %v", five, six)
	}
}
