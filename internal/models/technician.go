package models

import "time"

// TechnicianAvailability is the GeoIndex view of a technician, fed by the
// location topic.
type TechnicianAvailability struct {
	ID        string    `json:"technician_id"`
	Loc       Coord     `json:"loc"`
	Verified  bool      `json:"verified"`
	Available bool      `json:"available"`
	Updated   time.Time `json:"updated"`
}

// Eligible reports whether the technician may receive or accept jobs.
func (t TechnicianAvailability) Eligible() bool { return t.Verified && t.Available }

// Candidate is a technician selected for a broadcast.
type Candidate struct {
	TechnicianID string  `json:"technician_id"`
	DistanceKm   float64 `json:"distance_km"`
	Reliability  int     `json:"reliability"`
	Loc          Coord   `json:"loc"`
}

// Offer is what a technician sees in their queue or receives over a push channel.
type Offer struct {
	RequestID    string   `json:"request_id"`
	ApplianceRef string   `json:"appliance_ref"`
	Description  string   `json:"description"`
	Location     Location `json:"location"`
	DistanceKm   float64  `json:"distance_km"`
	ETASeconds   float64  `json:"eta_seconds"`
}

const DefaultReliability = 100

type TechnicianAccount struct {
	TechnicianID string `json:"technician_id"`
	Balance      int64  `json:"balance"`
	Reliability  int    `json:"reliability"`
}

type UserAccount struct {
	UserID        string `json:"user_id"`
	LoyaltyPoints int64  `json:"loyalty_points"`
}

type PlanTier string

const (
	TierBasic   PlanTier = "basic"
	TierPlus    PlanTier = "plus"
	TierPremium PlanTier = "premium"
)

// FreeVisitsFor returns the number of visit-fee waivers a tier allows per period.
func FreeVisitsFor(t PlanTier) int {
	switch t {
	case TierPlus:
		return 2
	case TierPremium:
		return 6
	default:
		return 0
	}
}

type Quota struct {
	UserID    string    `json:"user_id"`
	Tier      PlanTier  `json:"tier"`
	Used      int       `json:"free_visits_used"`
	Allowed   int       `json:"free_visits_allowed"`
	PeriodEnd time.Time `json:"period_end"`
}

func (q Quota) Remaining() int {
	if q.Used >= q.Allowed {
		return 0
	}
	return q.Allowed - q.Used
}
