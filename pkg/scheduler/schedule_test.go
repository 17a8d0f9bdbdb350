package scheduler_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howie/coaching-transcript-tool-sub005/pkg/scheduler"
)

func TestEvery(t *testing.T) {
	t.Parallel()

	from := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s := scheduler.Every(2 * time.Hour)
	assert.Equal(t, from.Add(2*time.Hour), s.Next(from))
	assert.Equal(t, "every 2h0m0s", s.String())

	assert.Equal(t, from.Add(time.Minute), scheduler.Every(0).Next(from))
}

func TestCron(t *testing.T) {
	t.Parallel()

	from := time.Date(2026, 5, 1, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		spec string
		want time.Time
	}{
		{spec: "0 */6 * * *", want: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)},
		{spec: "@daily", want: time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC)},
		{spec: "@every 2h", want: from.Add(2 * time.Hour)},
	}

	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			t.Parallel()

			s, err := scheduler.Cron(tt.spec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Next(from))
			assert.Equal(t, "cron "+tt.spec, s.String())
		})
	}

	_, err := scheduler.Cron("not a cron")
	require.ErrorIs(t, err, scheduler.ErrInvalidSchedule)
	assert.Panics(t, func() { scheduler.MustCron("bad") })
}
