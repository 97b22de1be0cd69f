package matching

import (
	"context"
	"sort"
	"time"

	"bitbucket.org/fixmatehq/dispatch_backend/config"
	"bitbucket.org/fixmatehq/dispatch_backend/utils"
	"gorm.io/gorm"
)

// Candidate is one ranked helper returned by a Matcher. Ranking decides who is
// invited to a broadcast; it never decides who wins the acceptance race.
type Candidate struct {
	HelperId   string
	Score      float64
	DistanceKm float64
}

// Matcher ranks eligible, currently-available helpers for a request.
// Implementations may be swapped out (the scoring formula is a collaborator,
// not part of the dispatch core).
type Matcher interface {
	Rank(ctx context.Context, category string, lat, lng float64, maxCandidates int) ([]Candidate, error)
}

// GeoMatcher is the default DB-backed matcher: haversine distance within a
// bounded radius, weighted with rating, completed-job count and location
// freshness.
type GeoMatcher struct {
	// DB may be left nil; Rank then resolves the shared handle per call, so
	// the matcher can be constructed before the database connects.
	DB       *gorm.DB
	RadiusKm float64

	// MinScore filters out weak matches entirely; such helpers are not
	// invited at all.
	MinScore float64
}

func NewGeoMatcher(db *gorm.DB, radiusKm float64) *GeoMatcher {
	return &GeoMatcher{
		DB:       db,
		RadiusKm: radiusKm,
		MinScore: 50,
	}
}

type helperRow struct {
	HelperId          string
	CurrentLat        float64
	CurrentLng        float64
	Rating            float64
	CompletedJobs     int
	LocationUpdatedAt *time.Time
}

func (m *GeoMatcher) Rank(ctx context.Context, category string, lat, lng float64, maxCandidates int) ([]Candidate, error) {
	if maxCandidates <= 0 {
		maxCandidates = 10
	}

	db := m.DB
	if db == nil {
		db = config.GetDB()
	}

	var rows []helperRow
	err := db.WithContext(ctx).
		Table("helper_profiles").
		Select("helper_id, current_lat, current_lng, rating, completed_jobs, location_updated_at").
		Where("is_active = 1 AND is_on_job = 0").
		Where("FIND_IN_SET(?, categories) > 0", category).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(rows))
	for _, r := range rows {
		distance := utils.HaversineKm(lat, lng, r.CurrentLat, r.CurrentLng)
		if distance > m.RadiusKm {
			continue
		}
		score := ScoreHelper(distance, m.RadiusKm, r.Rating, r.CompletedJobs, r.LocationUpdatedAt, time.Now())
		if score < m.MinScore {
			continue
		}
		candidates = append(candidates, Candidate{
			HelperId:   r.HelperId,
			Score:      score,
			DistanceKm: distance,
		})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}
	return candidates, nil
}

// ScoreHelper weighs a single helper on a 0-100 scale:
// proximity 40, rating 30, track record 15, location freshness 15.
func ScoreHelper(distanceKm, radiusKm, rating float64, completedJobs int, locationUpdatedAt *time.Time, now time.Time) float64 {
	score := 0.0

	// Proximity: full points at the doorstep, fading linearly to zero at the
	// radius edge.
	if radiusKm > 0 && distanceKm <= radiusKm {
		score += 40 * (1 - distanceKm/radiusKm)
	}

	// Rating on a 5-star scale.
	if rating > 5 {
		rating = 5
	}
	if rating > 0 {
		score += 30 * rating / 5
	}

	// Track record saturates at 50 completed jobs.
	jobs := completedJobs
	if jobs > 50 {
		jobs = 50
	}
	score += 15 * float64(jobs) / 50

	// A stale location means the helper is probably not where we think.
	if locationUpdatedAt != nil {
		age := now.Sub(*locationUpdatedAt)
		switch {
		case age <= 10*time.Minute:
			score += 15
		case age <= time.Hour:
			score += 8
		}
	}

	return score
}
