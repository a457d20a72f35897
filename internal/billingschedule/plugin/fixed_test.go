package plugin

import (
	"testing"
	"time"

	"github.com/smallbiznis/rebill/internal/billingschedule/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func fixedSchedule(t *testing.T, number int, unit string) domain.ScheduleStrategy {
	t.Helper()
	s := &domain.BillingSchedule{
		SchedulePlugin: FixedPluginID,
		ScheduleConfig: datatypes.JSONMap{
			"interval": map[string]any{"number": number, "unit": unit},
		},
	}
	strategy, err := NewFixed(s)
	require.NoError(t, err)
	return strategy
}

func TestFixed_MonthlyAlignsToFirstOfMonth(t *testing.T) {
	strategy := fixedSchedule(t, 1, "month")

	start := time.Date(2019, 2, 10, 14, 30, 0, 0, time.UTC)
	first, err := strategy.GenerateFirstBillingPeriod(start)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2019, 2, 1, 0, 0, 0, 0, time.UTC), first.Start)
	assert.Equal(t, time.Date(2019, 3, 1, 0, 0, 0, 0, time.UTC), first.End)
	assert.True(t, first.Contains(start))
}

func TestFixed_HourlyAlignsToHour(t *testing.T) {
	strategy := fixedSchedule(t, 1, "hour")

	start := time.Date(2019, 2, 24, 17, 30, 10, 0, time.UTC)
	first, err := strategy.GenerateFirstBillingPeriod(start)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2019, 2, 24, 17, 0, 0, 0, time.UTC), first.Start)
	assert.Equal(t, time.Date(2019, 2, 24, 18, 0, 0, 0, time.UTC), first.End)
}

func TestFixed_WeeklyAlignsToMonday(t *testing.T) {
	strategy := fixedSchedule(t, 1, "week")

	// 2024-06-06 is a Thursday; the ISO week starts Monday 06-03.
	start := time.Date(2024, 6, 6, 9, 0, 0, 0, time.UTC)
	first, err := strategy.GenerateFirstBillingPeriod(start)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC), first.Start)
	assert.Equal(t, time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC), first.End)
}

func TestFixed_PeriodsTile(t *testing.T) {
	strategy := fixedSchedule(t, 1, "month")

	start := time.Date(2023, 11, 20, 0, 0, 0, 0, time.UTC)
	period, err := strategy.GenerateFirstBillingPeriod(start)
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		next, err := strategy.GenerateNextBillingPeriod(start, period)
		require.NoError(t, err)
		assert.True(t, next.Start.Equal(period.End))
		assert.Equal(t, 1, next.Start.Day(), "fixed monthly boundary drifted off the 1st")
		period = next
	}
}
