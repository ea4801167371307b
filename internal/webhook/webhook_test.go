package webhook

import (
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestSubscription_Matches(t *testing.T) {
	tests := []struct {
		name   string
		events []string
		event  string
		want   bool
	}{
		{name: "exact match", events: []string{"deal.won"}, event: "deal.won", want: true},
		{name: "one of many", events: []string{"deal.lost", "order.paid"}, event: "order.paid", want: true},
		{name: "wildcard", events: []string{AllEvents}, event: "anything.at.all", want: true},
		{name: "no match", events: []string{"deal.won"}, event: "order.paid", want: false},
		{name: "prefix is not a match", events: []string{"deal"}, event: "deal.won", want: false},
		{name: "empty set", events: nil, event: "deal.won", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Subscription{Events: tt.events}
			assert.Equal(t, tt.want, s.Matches(tt.event))
		})
	}
}

func TestDelivery_State(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := DefaultPolicy()
	status := func(c int) *int { return &c }

	tests := []struct {
		name string
		d    Delivery
		want State
	}{
		{
			name: "delivered",
			d:    Delivery{Attempts: 1, ResponseStatus: status(200), DeliveredAt: &now, CreatedAt: now},
			want: StateDelivered,
		},
		{
			name: "first attempt in flight",
			d:    Delivery{Attempts: 1, CreatedAt: now},
			want: StatePending,
		},
		{
			name: "failed once",
			d:    Delivery{Attempts: 1, ResponseStatus: status(500), CreatedAt: now.Add(-time.Hour)},
			want: StateRetryEligible,
		},
		{
			name: "attempts used up",
			d:    Delivery{Attempts: 3, ResponseStatus: status(500), CreatedAt: now.Add(-time.Hour)},
			want: StateExhausted,
		},
		{
			name: "window elapsed",
			d:    Delivery{Attempts: 1, ResponseStatus: status(0), CreatedAt: now.Add(-73 * time.Hour)},
			want: StateExhausted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.d.State(now, p))
		})
	}
}

func TestPolicy_Eligible(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := DefaultPolicy()
	s500 := 500
	later := now.Add(time.Minute)
	earlier := now.Add(-time.Minute)

	tests := []struct {
		name string
		d    Delivery
		want bool
	}{
		{name: "fresh failure", d: Delivery{Attempts: 1, ResponseStatus: &s500, CreatedAt: now.Add(-time.Hour)}, want: true},
		{name: "second failure", d: Delivery{Attempts: 2, ResponseStatus: &s500, CreatedAt: now.Add(-time.Hour)}, want: true},
		{name: "at max attempts", d: Delivery{Attempts: 3, ResponseStatus: &s500, CreatedAt: now.Add(-time.Hour)}, want: false},
		{name: "73 hours old", d: Delivery{Attempts: 1, ResponseStatus: &s500, CreatedAt: now.Add(-73 * time.Hour)}, want: false},
		{name: "72 hours and a minute old", d: Delivery{Attempts: 1, ResponseStatus: &s500, CreatedAt: now.Add(-72*time.Hour - time.Minute)}, want: false},
		{name: "exactly at window edge", d: Delivery{Attempts: 1, ResponseStatus: &s500, CreatedAt: now.Add(-72 * time.Hour)}, want: true},
		{name: "claimed by another pass", d: Delivery{Attempts: 1, ResponseStatus: &s500, CreatedAt: now, ClaimedUntil: &later}, want: false},
		{name: "claim expired", d: Delivery{Attempts: 1, ResponseStatus: &s500, CreatedAt: now, ClaimedUntil: &earlier}, want: true},
		{name: "delivered", d: Delivery{Attempts: 1, DeliveredAt: &now, CreatedAt: now}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Eligible(tt.d, now))
		})
	}
}

func TestPolicy_Normalize(t *testing.T) {
	p := Policy{MaxAttempts: 5}.Normalize()
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, DefaultRetryWindow, p.RetryWindow)
	assert.Equal(t, DefaultTimeout, p.Timeout)
	assert.Equal(t, DefaultResponseBodyLimit, p.ResponseBodyLimit)
	assert.Equal(t, DefaultClaimLease, p.ClaimLease)

	now := time.Now()
	q := p.ClaimQuery(now, 10)
	assert.Equal(t, now.Add(-DefaultRetryWindow), q.WindowStart)
	assert.Equal(t, now.Add(DefaultClaimLease), q.LeaseUntil)
	assert.Equal(t, 5, q.MaxAttempts)
	assert.Equal(t, 10, q.Limit)
}

func TestPolicy_PassLease(t *testing.T) {
	p := DefaultPolicy()
	tests := []struct {
		name        string
		batch, conc int
		want        time.Duration
	}{
		{name: "default batch outlasts the base lease", batch: 500, conc: 8, want: 64 * DefaultTimeout},
		{name: "small batch keeps the base lease", batch: 8, conc: 8, want: DefaultClaimLease},
		{name: "serial pass", batch: 30, conc: 1, want: 31 * DefaultTimeout},
		{name: "unbounded batch", batch: 0, conc: 8, want: DefaultClaimLease},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.PassLease(tt.batch, tt.conc))
		})
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", 2500)
	assert.Len(t, Truncate(long, 2000), 2000)
	assert.Equal(t, "short", Truncate("short", 2000))
	assert.Equal(t, "ééé", Truncate("éééé", 3))
	assert.Equal(t, "", Truncate("anything", 0))

	binary := Truncate(string([]byte{0x1f, 0x8b, 0xff, 0xfe, 'o', 'k'}), 2000)
	assert.True(t, utf8.ValidString(binary))
	assert.Equal(t, "\x1f\uFFFDok", binary)
	assert.Equal(t, "\uFFFDo", Truncate("\xff\xfeok", 2))
}

func TestNormalizeEvents(t *testing.T) {
	got := NormalizeEvents([]string{" deal.won ", "", "order.paid", "deal.won"})
	assert.Equal(t, []string{"deal.won", "order.paid"}, got)
}

func TestDelivery_Apply(t *testing.T) {
	now := time.Now()
	claimed := now.Add(time.Minute)
	d := Delivery{Attempts: 1, ClaimedUntil: &claimed}
	d.Apply(AttemptResult{Attempt: 2, Status: 200, Body: "ok", DeliveredAt: &now})

	assert.Equal(t, 2, d.Attempts)
	assert.Equal(t, 200, *d.ResponseStatus)
	assert.Equal(t, "ok", *d.ResponseBody)
	assert.True(t, d.Delivered())
	assert.Nil(t, d.ClaimedUntil)
}
