package policy

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RequesterType is who asked for the cancellation
type RequesterType string

const (
	RequesterTraveler RequesterType = "traveler"
	RequesterGuide    RequesterType = "guide"
)

// Valid reports whether r is a known requester type
func (r RequesterType) Valid() bool {
	return r == RequesterTraveler || r == RequesterGuide
}

// ReasonType is the reason code picked by the requester
type ReasonType string

// ReasonCategory groups reason types by how the policy prices them
type ReasonCategory int

const (
	// ReasonOrdinary is priced by the tier table
	ReasonOrdinary ReasonCategory = iota
	// ReasonException cannot be priced by the table and needs an admin to confirm the claim
	ReasonException
)

// Tier is one row of the refund table
type Tier struct {
	DaysFromTripStart int    `json:"days_from_trip_start"`
	RefundPercentage  int    `json:"refund_percentage"`
	Label             string `json:"label"`
}

// PostTripLabel marks cancellations requested after the trip started
const PostTripLabel = "post-trip, manual review"

const (
	guideLabel     = "guide cancellation, full refund"
	exceptionLabel = "exception reason, admin review"
	noTierLabel    = "no matching tier"
)

var (
	ErrNoTiers            = errors.New("refund policy needs at least one tier")
	ErrTiersNotDescending = errors.New("refund tiers must be sorted by strictly descending days")
	ErrInvalidPercentage  = errors.New("refund percentage must be between 0 and 100")
)

// Policy prices cancellations. It is immutable once built.
type Policy struct {
	tiers      []Tier
	exceptions map[ReasonType]struct{}
	loc        *time.Location
}

// New validates the tier table and builds a policy. Dates are truncated to days in loc.
func New(tiers []Tier, exceptionReasons []ReasonType, loc *time.Location) (*Policy, error) {
	if len(tiers) == 0 {
		return nil, ErrNoTiers
	}

	copied := make([]Tier, len(tiers))
	for i, t := range tiers {
		if t.RefundPercentage < 0 || t.RefundPercentage > 100 {
			return nil, fmt.Errorf("%w: tier %d has %d", ErrInvalidPercentage, i, t.RefundPercentage)
		}
		if i > 0 && t.DaysFromTripStart >= tiers[i-1].DaysFromTripStart {
			return nil, fmt.Errorf("%w: tier %d (%d days) follows %d days",
				ErrTiersNotDescending, i, t.DaysFromTripStart, tiers[i-1].DaysFromTripStart)
		}
		if t.Label == "" {
			t.Label = defaultLabel(t.DaysFromTripStart)
		}
		copied[i] = t
	}

	exceptions := make(map[ReasonType]struct{}, len(exceptionReasons))
	for _, r := range exceptionReasons {
		exceptions[r] = struct{}{}
	}

	if loc == nil {
		loc = time.UTC
	}

	return &Policy{tiers: copied, exceptions: exceptions, loc: loc}, nil
}

// Tiers returns a copy of the tier table
func (p *Policy) Tiers() []Tier {
	out := make([]Tier, len(p.tiers))
	copy(out, p.tiers)
	return out
}

// Location returns the timezone used for day truncation
func (p *Policy) Location() *time.Location {
	return p.loc
}

// Classify maps a reason type to its pricing category
func (p *Policy) Classify(reason ReasonType) ReasonCategory {
	if _, ok := p.exceptions[reason]; ok {
		return ReasonException
	}
	return ReasonOrdinary
}

// Input describes one cancellation to price
type Input struct {
	Amount      int64
	TripStart   time.Time
	CancelledAt time.Time
	// Now is the live clock; the post-trip check uses it instead of CancelledAt
	Now       time.Time
	Requester RequesterType
	Reason    ReasonType
}

// Result is the priced cancellation
type Result struct {
	RefundAmount          int64  `json:"refund_amount"`
	Percentage            int    `json:"percentage"`
	DaysBeforeTrip        int    `json:"days_before_trip"`
	PolicyLabel           string `json:"policy_label"`
	RequiresAdminApproval bool   `json:"requires_admin_approval"`
}

// Calculate prices a cancellation. Money is floored so the refund never exceeds the policy.
func (p *Policy) Calculate(in Input) Result {
	days := p.daysBetween(in.CancelledAt, in.TripStart)

	if p.daysBetween(in.Now, in.TripStart) <= 0 {
		return Result{
			RefundAmount:          0,
			Percentage:            0,
			DaysBeforeTrip:        days,
			PolicyLabel:           PostTripLabel,
			RequiresAdminApproval: true,
		}
	}

	if in.Requester == RequesterGuide {
		return Result{
			RefundAmount:   in.Amount,
			Percentage:     100,
			DaysBeforeTrip: days,
			PolicyLabel:    guideLabel,
		}
	}

	switch p.Classify(in.Reason) {
	case ReasonException:
		return Result{
			RefundAmount:          in.Amount,
			Percentage:            100,
			DaysBeforeTrip:        days,
			PolicyLabel:           exceptionLabel,
			RequiresAdminApproval: true,
		}
	case ReasonOrdinary:
		tier, ok := p.tierFor(days)
		if !ok {
			return Result{DaysBeforeTrip: days, PolicyLabel: noTierLabel}
		}
		return Result{
			RefundAmount:   applyPercentage(in.Amount, tier.RefundPercentage),
			Percentage:     tier.RefundPercentage,
			DaysBeforeTrip: days,
			PolicyLabel:    tier.Label,
		}
	default:
		panic(fmt.Sprintf("policy: unhandled reason category %d", p.Classify(in.Reason)))
	}
}

// tierFor picks the first tier whose threshold is at or below days
func (p *Policy) tierFor(days int) (Tier, bool) {
	for _, t := range p.tiers {
		if days >= t.DaysFromTripStart {
			return t, true
		}
	}
	return Tier{}, false
}

// daysBetween counts whole calendar days from a to b in the policy timezone
func (p *Policy) daysBetween(a, b time.Time) int {
	return int(calendarDay(b, p.loc).Sub(calendarDay(a, p.loc)).Hours() / 24)
}

// calendarDay maps t to midnight UTC of its local date so the difference is DST-free
func calendarDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func applyPercentage(amount int64, pct int) int64 {
	if amount <= 0 || pct <= 0 {
		return 0
	}
	return amount * int64(pct) / 100
}

func defaultLabel(days int) string {
	return fmt.Sprintf("%d+ days before trip", days)
}

// ParseTiers reads a tier table written as "days:percentage[:label],..." e.g. "7:100,3:50,0:0"
func ParseTiers(raw string) ([]Tier, error) {
	var tiers []Tier
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		fields := strings.SplitN(part, ":", 3)
		if len(fields) < 2 {
			return nil, fmt.Errorf("invalid tier %q: want days:percentage[:label]", part)
		}

		days, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			return nil, fmt.Errorf("invalid tier days %q: %w", fields[0], err)
		}
		pct, err := strconv.Atoi(strings.TrimSpace(fields[1]))
		if err != nil {
			return nil, fmt.Errorf("invalid tier percentage %q: %w", fields[1], err)
		}

		tier := Tier{DaysFromTripStart: days, RefundPercentage: pct}
		if len(fields) == 3 {
			tier.Label = strings.TrimSpace(fields[2])
		}
		tiers = append(tiers, tier)
	}

	if len(tiers) == 0 {
		return nil, ErrNoTiers
	}
	return tiers, nil
}

// ParseReasons reads a comma separated list of reason types
func ParseReasons(raw string) []ReasonType {
	var reasons []ReasonType
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			reasons = append(reasons, ReasonType(part))
		}
	}
	return reasons
}
