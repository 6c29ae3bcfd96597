package structs

import (
	"testing"
	"time"

	"github.com/hashicorp/cronexpr"
	"github.com/stretchr/testify/require"
)

func TestNewUUID(t *testing.T) {
	a := NewUUID()
	b := NewUUID()
	require.Len(t, a, 32)
	require.NotEqual(t, a, b)

	raw, err := ParseUUID(a)
	require.NoError(t, err)
	require.Equal(t, a, UUIDHex(raw))
}

func TestParseUUID(t *testing.T) {
	cases := []struct {
		name  string
		input string
		ok    bool
	}{
		{"plain hex", "0123456789abcdef0123456789abcdef", true},
		{"dashed", "01234567-89ab-cdef-0123-456789abcdef", true},
		{"whitespace", "  0123456789abcdef0123456789abcdef ", true},
		{"short", "0123456789abcdef", false},
		{"not hex", "zzzz456789abcdef0123456789abcdef", false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := ParseUUID(tc.input)
			if !tc.ok {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "0123456789abcdef0123456789abcdef", UUIDHex(raw))
		})
	}
}

func TestIsReservedArgument(t *testing.T) {
	require.True(t, IsReservedArgument("reservation_uuid"))
	require.True(t, IsReservedArgument("reservation_fast_cache"))
	require.True(t, IsReservedArgument("reservation_error"))
	require.False(t, IsReservedArgument("username"))
}

func TestExposedFunction_Recurring(t *testing.T) {
	oneShot := &ExposedFunction{Name: "svc/once"}
	require.False(t, oneShot.Recurring())

	interval := &ExposedFunction{Name: "svc/poll", Interval: time.Minute}
	require.True(t, interval.Recurring())

	sched := &ExposedFunction{
		Name:     "svc/nightly",
		Schedule: cronexpr.MustParse("0 3 * * *"),
	}
	require.True(t, sched.Recurring())
}

func TestExposedFunction_NextFire(t *testing.T) {
	now := time.Date(2011, 4, 12, 10, 0, 0, 0, time.UTC)

	interval := &ExposedFunction{Interval: 30 * time.Minute}
	require.Equal(t, now.Add(30*time.Minute), interval.NextFire(now))

	sched := &ExposedFunction{Schedule: cronexpr.MustParse("0 3 * * *")}
	next := sched.NextFire(now)
	require.Equal(t, 3, next.Hour())
	require.True(t, next.After(now))
}

func TestServiceName(t *testing.T) {
	require.Equal(t, "flickr", ServiceName("flickr/getfavorites"))
	require.Equal(t, "plain", ServiceName("plain"))
	require.Equal(t, "a", ServiceName("a/b/c"))
}
