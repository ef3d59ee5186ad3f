package models

import "time"

// Reading represents a single telemetry sample from a roadside sensor
type Reading struct {
	ID         int64     `json:"id,omitempty"`
	Timestamp  string    `json:"timestamp"` // sensor clock, advisory only
	UID        string    `json:"uid"`
	Gas        int       `json:"gas"`        // concentration proxy, ppm
	Count      int       `json:"count"`      // vehicles in the sample
	HeadwayMs  int       `json:"headway_ms"` // gap between vehicles
	Flag       string    `json:"flag"`
	ReceivedAt time.Time `json:"received_at"`
}

// Status is the congestion classification band
type Status string

const (
	StatusInsufficientData Status = "INSUFFICIENT_DATA"
	StatusFreeFlow         Status = "FREE_FLOW"
	StatusLight            Status = "LIGHT"
	StatusModerate         Status = "MODERATE"
	StatusHeavy            Status = "HEAVY"
	StatusSevere           Status = "SEVERE"
)

// StatusForLevel maps a 0-100 congestion level onto its band
func StatusForLevel(level int) Status {
	switch {
	case level < 20:
		return StatusFreeFlow
	case level < 40:
		return StatusLight
	case level < 60:
		return StatusModerate
	case level < 80:
		return StatusHeavy
	default:
		return StatusSevere
	}
}

// Factors holds the weighted sub-scores, each 0-100
type Factors struct {
	Gas          int `json:"gas"`
	VehicleCount int `json:"vehicle_count"`
	HeadwayTime  int `json:"headway_time"`
	Trend        int `json:"trend"`
}

// WindowMetrics reports raw and averaged values from the window
type WindowMetrics struct {
	CurrentGas     int     `json:"current_gas"`
	AvgGas         float64 `json:"avg_gas"`
	CurrentCount   int     `json:"current_count"`
	AvgCount       float64 `json:"avg_count"`
	CurrentHeadway int     `json:"current_headway"`
	AvgHeadway     float64 `json:"avg_headway"`
}

// Congestion is the current-state estimate
type Congestion struct {
	Level      int            `json:"level"`
	Status     Status         `json:"status"`
	Confidence int            `json:"confidence"`
	Factors    *Factors       `json:"factors,omitempty"`
	Metrics    *WindowMetrics `json:"metrics,omitempty"`
}

// Forecast is the projected congestion one extrapolation step ahead
type Forecast struct {
	Prediction int    `json:"prediction"`
	Status     Status `json:"status"`
	Change     int    `json:"change"`
}

// Inference bundles everything derived from the window after a reading
type Inference struct {
	Congestion
	NextMinute      Forecast `json:"next_minute"`
	Recommendations []string `json:"recommendations"`
}

// Event is what subscribers and the persistence sink receive per accepted reading
type Event struct {
	ID         string    `json:"id"`
	Sequence   uint64    `json:"seq"`
	Reading    Reading   `json:"reading"`
	Prediction Inference `json:"prediction"`
}

// ReadingQuery represents query parameters for persisted readings
type ReadingQuery struct {
	UID       string
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
}

// StoredPrediction is a persisted inference joined with its reading
type StoredPrediction struct {
	ID                   int64     `json:"id"`
	SensorReadingID      int64     `json:"sensor_reading_id"`
	CongestionLevel      int       `json:"congestion_level"`
	CongestionStatus     Status    `json:"congestion_status"`
	Confidence           int       `json:"confidence"`
	NextMinutePrediction int       `json:"next_minute_prediction"`
	NextMinuteStatus     Status    `json:"next_minute_status"`
	CreatedAt            time.Time `json:"created_at"`
	Gas                  int       `json:"gas"`
	Count                int       `json:"count"`
	HeadwayMs            int       `json:"headway_ms"`
	Timestamp            string    `json:"timestamp"`
}

// CongestionSummary aggregates predictions of one status over a period
type CongestionSummary struct {
	Status   Status  `json:"congestion_status"`
	Count    int     `json:"count"`
	AvgLevel float64 `json:"avg_level"`
	MaxLevel int     `json:"max_level"`
	MinLevel int     `json:"min_level"`
}

// DailyStatistics is the per-day aggregate row
type DailyStatistics struct {
	Date           string    `json:"date"`
	AvgGas         float64   `json:"avg_gas"`
	MaxGas         int       `json:"max_gas"`
	MinGas         int       `json:"min_gas"`
	AvgHeadway     float64   `json:"avg_headway"`
	TotalVehicles  int       `json:"total_vehicles"`
	PeakCongestion int       `json:"peak_congestion"`
	CreatedAt      time.Time `json:"created_at"`
}
