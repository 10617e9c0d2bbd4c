package models

import "time"

// Status is the lifecycle state of a service request. It is the only status
// definition in the module; handlers, stores and the state machine all use it.
type Status string

const (
	StatusPending          Status = "pending"
	StatusBroadcasted      Status = "broadcasted"
	StatusAccepted         Status = "accepted"
	StatusOnTheWay         Status = "on_the_way"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusApproved         Status = "approved"
	StatusInProgress       Status = "in_progress"
	StatusCompleted        Status = "completed"
	StatusCancelled        Status = "cancelled"
)

// AllStatuses lists every state in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusBroadcasted,
	StatusAccepted,
	StatusOnTheWay,
	StatusAwaitingApproval,
	StatusApproved,
	StatusInProgress,
	StatusCompleted,
	StatusCancelled,
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Party identifies who triggered an action.
type Party string

const (
	PartyUser       Party = "user"
	PartyTechnician Party = "technician"
	PartySystem     Party = "system"
)

// Actor is the authenticated caller of an action.
type Actor struct {
	Party Party  `json:"party"`
	ID    string `json:"id"`
}

func UserActor(id string) Actor       { return Actor{Party: PartyUser, ID: id} }
func TechnicianActor(id string) Actor { return Actor{Party: PartyTechnician, ID: id} }
func SystemActor() Actor              { return Actor{Party: PartySystem, ID: "system"} }

type FundingMode string

const (
	FundingPayNow       FundingMode = "pay_now"
	FundingSubscription FundingMode = "subscription"
	// FundingAuto resolves to subscription when a free visit remains, else pay_now.
	// It is never stored on a request.
	FundingAuto FundingMode = "auto"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code,omitempty"`
	Landmark   string `json:"landmark,omitempty"`
}

// Location is either a GPS pair or a manually entered address.
type Location struct {
	GPS     *Coord   `json:"gps,omitempty"`
	Address *Address `json:"address,omitempty"`
	Manual  bool     `json:"manual"`
}

// Funding records how the visit fee was covered. It is fixed at creation.
type Funding struct {
	Mode               FundingMode `json:"mode"`
	VisitFee           int64       `json:"visit_fee"`
	VisitFeePaid       bool        `json:"visit_fee_paid"`
	SubscriptionWaived bool        `json:"subscription_waived"`
	PaymentRef         string      `json:"payment_ref,omitempty"`
}

type ServiceRequest struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	TechnicianID string `json:"technician_id,omitempty"`
	Status       Status `json:"status"`
	Version      int    `json:"version"`

	Description   string     `json:"description"`
	ApplianceRef  string     `json:"appliance_ref"`
	ImageRefs     []string   `json:"image_refs,omitempty"`
	PreferredSlot string     `json:"preferred_slot,omitempty"`
	ScheduledDate *time.Time `json:"scheduled_date,omitempty"`
	Location      Location   `json:"location"`

	Funding         Funding `json:"funding"`
	EstimatedCost   *int64  `json:"estimated_cost,omitempty"`
	TechnicianShare int64   `json:"technician_share"`

	CompletionCodeHash   string     `json:"-"`
	CompletionCodeExpiry *time.Time `json:"completion_code_expiry,omitempty"`
	OTPVerified          bool       `json:"otp_verified"`

	Unfulfilled bool `json:"unfulfilled"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	AcceptedAt   *time.Time `json:"accepted_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CancelledAt  *time.Time `json:"cancelled_at,omitempty"`
	CancelReason string     `json:"cancel_reason,omitempty"`
	CancelledBy  Party      `json:"cancelled_by,omitempty"`
}

func (r *ServiceRequest) Assigned() bool { return r.TechnicianID != "" }

// Terminal reports whether the record can no longer change.
func (r *ServiceRequest) Terminal() bool {
	return r.Status == StatusCancelled || (r.Status == StatusCompleted && r.OTPVerified)
}

// Clone returns a deep copy so callers can build the next state without
// touching the stored record.
func (r *ServiceRequest) Clone() *ServiceRequest {
	cp := *r
	if r.ImageRefs != nil {
		cp.ImageRefs = append([]string(nil), r.ImageRefs...)
	}
	if r.Location.GPS != nil {
		g := *r.Location.GPS
		cp.Location.GPS = &g
	}
	if r.Location.Address != nil {
		a := *r.Location.Address
		cp.Location.Address = &a
	}
	cp.ScheduledDate = cloneTime(r.ScheduledDate)
	cp.CompletionCodeExpiry = cloneTime(r.CompletionCodeExpiry)
	cp.AcceptedAt = cloneTime(r.AcceptedAt)
	cp.CompletedAt = cloneTime(r.CompletedAt)
	cp.CancelledAt = cloneTime(r.CancelledAt)
	if r.EstimatedCost != nil {
		v := *r.EstimatedCost
		cp.EstimatedCost = &v
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Event is one entry of the append-only audit trail of a request.
type Event struct {
	ID         int64     `json:"id"`
	RequestID  string    `json:"request_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	Action     string    `json:"action"`
	ActorParty Party     `json:"actor_party"`
	ActorID    string    `json:"actor_id,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// LedgerEntry is the settlement credit written when completion is verified.
type LedgerEntry struct {
	RequestID    string    `json:"request_id"`
	TechnicianID string    `json:"technician_id"`
	VisitShare   int64     `json:"visit_share"`
	ServiceCost  int64     `json:"service_cost"`
	Total        int64     `json:"total"`
	CreatedAt    time.Time `json:"created_at"`
}
