package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traffic-congestion-monitor/internal/models"
)

func openTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "traffic.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func inference(level int) models.Inference {
	return models.Inference{
		Congestion: models.Congestion{
			Level:      level,
			Status:     models.StatusForLevel(level),
			Confidence: 50,
		},
		NextMinute: models.Forecast{Prediction: level + 5, Status: models.StatusForLevel(level + 5), Change: 5},
	}
}

func save(t *testing.T, db *Database, r models.Reading, level int) int64 {
	t.Helper()
	id, err := db.Save(context.Background(), r, inference(level))
	require.NoError(t, err)
	return id
}

func TestSaveAndGetReadings(t *testing.T) {
	db := openTestDB(t)
	at := time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)

	first := save(t, db, models.Reading{UID: "A", Gas: 100, Count: 1, HeadwayMs: 4000, Timestamp: "2024-05-01T08:30:00Z", ReceivedAt: at}, 10)
	second := save(t, db, models.Reading{UID: "B", Gas: 200, Count: 2, HeadwayMs: 3000, Flag: "x", ReceivedAt: at.Add(time.Second)}, 30)
	assert.Greater(t, second, first)

	readings, err := db.GetReadings(10, 0)
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, second, readings[0].ID, "newest first")
	assert.Equal(t, "B", readings[0].UID)
	assert.Equal(t, "x", readings[0].Flag)
	assert.Equal(t, at.Add(time.Second), readings[0].ReceivedAt)
	assert.Equal(t, "2024-05-01T08:30:00Z", readings[1].Timestamp)

	page, err := db.GetReadings(1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, first, page[0].ID)

	count, err := db.GetTotalCount()
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestSaveStampsMissingReceivedAt(t *testing.T) {
	db := openTestDB(t)
	fixed := time.Date(2024, 6, 2, 12, 0, 0, 0, time.UTC)
	db.now = func() time.Time { return fixed }

	save(t, db, models.Reading{Gas: 1}, 0)

	readings, err := db.GetReadings(1, 0)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, fixed, readings[0].ReceivedAt)
}

func TestSaveHonoursCancelledContext(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := db.Save(ctx, models.Reading{Gas: 1}, inference(1))
	assert.Error(t, err)

	count, err := db.GetTotalCount()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestGetReadingsByDate(t *testing.T) {
	db := openTestDB(t)
	day := time.Date(2024, 5, 1, 23, 59, 0, 0, time.UTC)

	save(t, db, models.Reading{UID: "A", ReceivedAt: day}, 10)
	save(t, db, models.Reading{UID: "B", ReceivedAt: day.Add(2 * time.Minute)}, 10)

	readings, err := db.GetReadingsByDate("2024-05-01")
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, "A", readings[0].UID)

	readings, err = db.GetReadingsByDate("2024-04-30")
	require.NoError(t, err)
	assert.Empty(t, readings)

	_, err = db.GetReadingsByDate("01/05/2024")
	assert.ErrorIs(t, err, ErrInvalidDate)
}

func TestQueryReadingsFilters(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		uid := "A"
		if i%2 == 1 {
			uid = "B"
		}
		save(t, db, models.Reading{UID: uid, Gas: i, ReceivedAt: base.Add(time.Duration(i) * time.Minute)}, i)
	}

	tests := []struct {
		name string
		q    models.ReadingQuery
		gas  []int
	}{
		{"all", models.ReadingQuery{}, []int{5, 4, 3, 2, 1, 0}},
		{"by uid", models.ReadingQuery{UID: "B"}, []int{5, 3, 1}},
		{"from", models.ReadingQuery{StartTime: base.Add(4 * time.Minute)}, []int{5, 4}},
		{"until", models.ReadingQuery{EndTime: base.Add(time.Minute)}, []int{1, 0}},
		{"window and uid", models.ReadingQuery{UID: "A", StartTime: base.Add(time.Minute), EndTime: base.Add(4 * time.Minute)}, []int{4, 2}},
		{"paged", models.ReadingQuery{Limit: 2, Offset: 2}, []int{3, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			readings, err := db.QueryReadings(tt.q)
			require.NoError(t, err)
			var gas []int
			for _, r := range readings {
				gas = append(gas, r.Gas)
			}
			assert.Equal(t, tt.gas, gas)
		})
	}
}

func TestGetPredictionsJoinsReading(t *testing.T) {
	db := openTestDB(t)
	id := save(t, db, models.Reading{UID: "A", Gas: 420, Count: 7, HeadwayMs: 900, Timestamp: "t0", ReceivedAt: time.Now()}, 65)

	preds, err := db.GetPredictions(10, 0)
	require.NoError(t, err)
	require.Len(t, preds, 1)

	p := preds[0]
	assert.Equal(t, id, p.SensorReadingID)
	assert.Equal(t, 65, p.CongestionLevel)
	assert.Equal(t, models.StatusHeavy, p.CongestionStatus)
	assert.Equal(t, 50, p.Confidence)
	assert.Equal(t, 70, p.NextMinutePrediction)
	assert.Equal(t, models.StatusHeavy, p.NextMinuteStatus)
	assert.Equal(t, 420, p.Gas)
	assert.Equal(t, 7, p.Count)
	assert.Equal(t, 900, p.HeadwayMs)
	assert.Equal(t, "t0", p.Timestamp)
	assert.False(t, p.CreatedAt.IsZero())
}

func TestCongestionSummaryWindow(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)

	db.now = func() time.Time { return now.Add(-48 * time.Hour) }
	save(t, db, models.Reading{ReceivedAt: now.Add(-48 * time.Hour)}, 90)

	db.now = func() time.Time { return now }
	for _, level := range []int{10, 15, 85, 95} {
		save(t, db, models.Reading{ReceivedAt: now}, level)
	}

	summary, err := db.GetCongestionSummary(24)
	require.NoError(t, err)
	require.Len(t, summary, 2)

	assert.Equal(t, models.StatusFreeFlow, summary[0].Status)
	assert.Equal(t, 2, summary[0].Count)
	assert.InDelta(t, 12.5, summary[0].AvgLevel, 1e-9)

	assert.Equal(t, models.StatusSevere, summary[1].Status)
	assert.Equal(t, 2, summary[1].Count, "the prediction from two days ago is outside the window")
	assert.Equal(t, 95, summary[1].MaxLevel)
	assert.Equal(t, 85, summary[1].MinLevel)
}

func TestUpdateAndGetStatistics(t *testing.T) {
	db := openTestDB(t)
	day := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	_, err := db.GetStatistics("2024-05-01")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.UpdateStatistics(day)
	assert.ErrorIs(t, err, ErrNotFound)

	save(t, db, models.Reading{Gas: 100, Count: 2, HeadwayMs: 3000, ReceivedAt: day}, 20)
	save(t, db, models.Reading{Gas: 300, Count: 4, HeadwayMs: 1000, ReceivedAt: day.Add(time.Hour)}, 70)
	save(t, db, models.Reading{Gas: 999, Count: 9, HeadwayMs: 100, ReceivedAt: day.Add(24 * time.Hour)}, 99)

	stats, err := db.UpdateStatistics(day)
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01", stats.Date)
	assert.Equal(t, 200.0, stats.AvgGas)
	assert.Equal(t, 300, stats.MaxGas)
	assert.Equal(t, 100, stats.MinGas)
	assert.Equal(t, 2000.0, stats.AvgHeadway)
	assert.Equal(t, 6, stats.TotalVehicles)
	assert.Equal(t, 70, stats.PeakCongestion)

	// Recomputing replaces the row rather than adding another.
	save(t, db, models.Reading{Gas: 500, Count: 1, HeadwayMs: 500, ReceivedAt: day.Add(2 * time.Hour)}, 80)
	stats, err = db.UpdateStatistics(day)
	require.NoError(t, err)
	assert.Equal(t, 500, stats.MaxGas)
	assert.Equal(t, 80, stats.PeakCongestion)

	got, err := db.GetStatistics("2024-05-01")
	require.NoError(t, err)
	assert.Equal(t, stats, got)

	_, err = db.GetStatistics("May 1")
	assert.ErrorIs(t, err, ErrInvalidDate)
}

func TestClearOldDataCascades(t *testing.T) {
	db := openTestDB(t)
	now := time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC)
	db.now = func() time.Time { return now }

	save(t, db, models.Reading{UID: "old", ReceivedAt: now.AddDate(0, 0, -40)}, 10)
	save(t, db, models.Reading{UID: "old", ReceivedAt: now.AddDate(0, 0, -31)}, 10)
	save(t, db, models.Reading{UID: "new", ReceivedAt: now.AddDate(0, 0, -2)}, 10)

	deleted, err := db.ClearOldData(30)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	readings, err := db.GetReadings(10, 0)
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, "new", readings[0].UID)

	preds, err := db.GetPredictions(10, 0)
	require.NoError(t, err)
	assert.Len(t, preds, 1)

	stats, err := db.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["total_predictions"])

	_, err = db.ClearOldData(-1)
	assert.Error(t, err)
}

func TestGetStats(t *testing.T) {
	db := openTestDB(t)
	at := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	stats, err := db.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats["total_readings"])
	assert.NotContains(t, stats, "first_received_at")

	save(t, db, models.Reading{UID: "A", ReceivedAt: at}, 85)
	save(t, db, models.Reading{UID: "B", ReceivedAt: at.Add(time.Minute)}, 10)
	save(t, db, models.Reading{UID: "A", ReceivedAt: at.Add(2 * time.Minute)}, 10)

	stats, err = db.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats["total_readings"])
	assert.Equal(t, int64(3), stats["total_predictions"])
	assert.Equal(t, int64(2), stats["distinct_sensors"])
	assert.Equal(t, int64(1), stats["severe_predictions"])
	assert.Equal(t, "2024-05-01T08:00:00.000Z", stats["first_received_at"])
	assert.Equal(t, "2024-05-01T08:02:00.000Z", stats["last_received_at"])
}
