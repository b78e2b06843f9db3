package policy

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var seoul = time.FixedZone("KST", 9*3600)

func testPolicy(t *testing.T) *Policy {
	t.Helper()
	p, err := New([]Tier{
		{DaysFromTripStart: 7, RefundPercentage: 100, Label: "7-day tier"},
		{DaysFromTripStart: 3, RefundPercentage: 50, Label: "3-day tier"},
		{DaysFromTripStart: 0, RefundPercentage: 0, Label: "same-day tier"},
	}, []ReasonType{"guide_no_show"}, seoul)
	require.NoError(t, err)
	return p
}

func at(day int) time.Time {
	return time.Date(2026, 5, day, 10, 0, 0, 0, seoul)
}

func TestCalculate_TierInTheMiddle(t *testing.T) {
	p := testPolicy(t)

	res := p.Calculate(Input{
		Amount:      100000,
		TripStart:   at(20),
		CancelledAt: at(15),
		Now:         at(15),
		Requester:   RequesterTraveler,
		Reason:      "personal",
	})

	assert.Equal(t, int64(50000), res.RefundAmount)
	assert.Equal(t, 50, res.Percentage)
	assert.Equal(t, 5, res.DaysBeforeTrip)
	assert.Equal(t, "3-day tier", res.PolicyLabel)
	assert.False(t, res.RequiresAdminApproval)
}

func TestCalculate_LowerBoundIsInclusive(t *testing.T) {
	p := testPolicy(t)

	res := p.Calculate(Input{
		Amount:      100000,
		TripStart:   at(20),
		CancelledAt: at(13),
		Now:         at(13),
		Requester:   RequesterTraveler,
		Reason:      "personal",
	})

	assert.Equal(t, int64(100000), res.RefundAmount)
	assert.Equal(t, 7, res.DaysBeforeTrip)
	assert.Equal(t, "7-day tier", res.PolicyLabel)
}

func TestCalculate_TruncatesToDays(t *testing.T) {
	p := testPolicy(t)

	// 23:59 on the 17th is still 3 calendar days before the 20th
	cancelled := time.Date(2026, 5, 17, 23, 59, 0, 0, seoul)
	res := p.Calculate(Input{
		Amount:      100000,
		TripStart:   time.Date(2026, 5, 20, 0, 1, 0, 0, seoul),
		CancelledAt: cancelled,
		Now:         cancelled,
		Requester:   RequesterTraveler,
	})

	assert.Equal(t, 3, res.DaysBeforeTrip)
	assert.Equal(t, int64(50000), res.RefundAmount)
}

func TestCalculate_FloorsAmount(t *testing.T) {
	p := testPolicy(t)

	res := p.Calculate(Input{
		Amount:      33333,
		TripStart:   at(20),
		CancelledAt: at(16),
		Now:         at(16),
		Requester:   RequesterTraveler,
	})

	assert.Equal(t, int64(16666), res.RefundAmount)
}

func TestCalculate_GuideGetsFullRefund(t *testing.T) {
	p := testPolicy(t)

	res := p.Calculate(Input{
		Amount:      80000,
		TripStart:   at(20),
		CancelledAt: at(19),
		Now:         at(19),
		Requester:   RequesterGuide,
		Reason:      "personal",
	})

	assert.Equal(t, int64(80000), res.RefundAmount)
	assert.Equal(t, 100, res.Percentage)
	assert.False(t, res.RequiresAdminApproval)
}

func TestCalculate_ExceptionReasonNeedsAdmin(t *testing.T) {
	p := testPolicy(t)

	res := p.Calculate(Input{
		Amount:      80000,
		TripStart:   at(20),
		CancelledAt: at(19),
		Now:         at(19),
		Requester:   RequesterTraveler,
		Reason:      "guide_no_show",
	})

	assert.Equal(t, int64(80000), res.RefundAmount)
	assert.True(t, res.RequiresAdminApproval)
	assert.Equal(t, ReasonException, p.Classify("guide_no_show"))
	assert.Equal(t, ReasonOrdinary, p.Classify("personal"))
}

func TestCalculate_PastTripUsesLiveClock(t *testing.T) {
	p := testPolicy(t)

	// the request claims an early cancellation date but the trip already started
	res := p.Calculate(Input{
		Amount:      80000,
		TripStart:   at(20),
		CancelledAt: at(1),
		Now:         at(21),
		Requester:   RequesterGuide,
		Reason:      "guide_no_show",
	})

	assert.Equal(t, int64(0), res.RefundAmount)
	assert.True(t, res.RequiresAdminApproval)
	assert.Equal(t, PostTripLabel, res.PolicyLabel)
}

func TestCalculate_NoMatchingTier(t *testing.T) {
	p, err := New([]Tier{{DaysFromTripStart: 10, RefundPercentage: 100}}, nil, seoul)
	require.NoError(t, err)

	res := p.Calculate(Input{
		Amount:      50000,
		TripStart:   at(20),
		CancelledAt: at(18),
		Now:         at(18),
		Requester:   RequesterTraveler,
	})

	assert.Equal(t, int64(0), res.RefundAmount)
	assert.False(t, res.RequiresAdminApproval)
}

func TestCalculate_Properties(t *testing.T) {
	p := testPolicy(t)
	rng := rand.New(rand.NewSource(42))
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, seoul)

	for i := 0; i < 2000; i++ {
		amount := rng.Int63n(10_000_000)
		now := base.Add(time.Duration(rng.Intn(60*24)) * time.Hour)
		trip := base.Add(time.Duration(rng.Intn(90*24)) * time.Hour)
		requester := RequesterTraveler
		if rng.Intn(2) == 0 {
			requester = RequesterGuide
		}
		reason := ReasonType("personal")
		if rng.Intn(4) == 0 {
			reason = "guide_no_show"
		}

		res := p.Calculate(Input{
			Amount:      amount,
			TripStart:   trip,
			CancelledAt: now,
			Now:         now,
			Requester:   requester,
			Reason:      reason,
		})

		require.GreaterOrEqual(t, res.RefundAmount, int64(0))
		require.LessOrEqual(t, res.RefundAmount, amount)

		if trip.Before(now) {
			require.Equal(t, int64(0), res.RefundAmount)
			require.True(t, res.RequiresAdminApproval)
			continue
		}
		if requester == RequesterGuide && p.daysBetween(now, trip) > 0 {
			require.Equal(t, amount, res.RefundAmount)
			require.False(t, res.RequiresAdminApproval)
		}
	}
}

func TestNew_Validates(t *testing.T) {
	_, err := New(nil, nil, nil)
	assert.ErrorIs(t, err, ErrNoTiers)

	_, err = New([]Tier{{DaysFromTripStart: 3, RefundPercentage: 50}, {DaysFromTripStart: 7, RefundPercentage: 100}}, nil, nil)
	assert.ErrorIs(t, err, ErrTiersNotDescending)

	_, err = New([]Tier{{DaysFromTripStart: 3, RefundPercentage: 150}}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidPercentage)
}

func TestNew_CopiesTiers(t *testing.T) {
	tiers := []Tier{{DaysFromTripStart: 3, RefundPercentage: 50}}
	p, err := New(tiers, nil, nil)
	require.NoError(t, err)

	tiers[0].RefundPercentage = 0
	assert.Equal(t, 50, p.Tiers()[0].RefundPercentage)
	assert.Equal(t, "3+ days before trip", p.Tiers()[0].Label)
	assert.Equal(t, time.UTC, p.Location())
}

func TestParseTiers(t *testing.T) {
	tiers, err := ParseTiers("7:100, 3:50:half refund ,0:0")
	require.NoError(t, err)
	require.Len(t, tiers, 3)
	assert.Equal(t, Tier{DaysFromTripStart: 3, RefundPercentage: 50, Label: "half refund"}, tiers[1])

	_, err = ParseTiers("7")
	assert.Error(t, err)

	_, err = ParseTiers("")
	assert.ErrorIs(t, err, ErrNoTiers)
}

func TestParseReasons(t *testing.T) {
	assert.Equal(t, []ReasonType{"guide_no_show", "natural_disaster"}, ParseReasons(" guide_no_show,,natural_disaster "))
}
