// Package predictor estimates traffic congestion from a sliding window of
// sensor readings.
//
// The model is a fixed weighted score, not a trained estimator. Headway
// dominates: vehicles bunching up is the clearest congestion signal, while
// gas concentration, vehicle count and the short-term trend adjust it.
package predictor

import (
	"math"

	"traffic-congestion-monitor/internal/models"
)

// Normalisation ranges
const (
	gasMax     = 2000.0
	countMax   = 10.0
	headwayMax = 5000.0

	// Extrapolation clamps for the forecast
	forecastCountMax = 15.0
	forecastSteps    = 5.0
)

// Weights of the current-level score. The forecast reuses the first three
// only, so its weights sum to 0.95.
const (
	weightHeadway = 0.60
	weightGas     = 0.20
	weightCount   = 0.15
	weightTrend   = 0.05
)

const (
	minSamplesCongestion = 3
	minSamplesForecast   = 5
	trendSamples         = 3
	changeThreshold      = 10
)

// Engine owns a Window and derives inferences from it. It is not safe for
// concurrent use; the ingestion loop is its only caller.
type Engine struct {
	window *Window
}

// NewEngine creates an engine with the given window size
func NewEngine(windowSize int) *Engine {
	return &Engine{window: NewWindow(windowSize)}
}

// Window exposes the engine's window for inspection
func (e *Engine) Window() *Window {
	return e.window
}

// Add appends a reading to the window
func (e *Engine) Add(r models.Reading) {
	e.window.Add(r)
}

// Infer appends r and computes the inference for the updated window, so a
// reading always influences its own inference.
func (e *Engine) Infer(r models.Reading) models.Inference {
	e.window.Add(r)
	current := e.PredictCongestion()
	next := e.forecast(current.Level)
	return models.Inference{
		Congestion:      current,
		NextMinute:      next,
		Recommendations: Recommend(current.Level, next.Change),
	}
}

// PredictCongestion scores the latest sample against the window
func (e *Engine) PredictCongestion() models.Congestion {
	w := e.window
	n := w.Len()
	if n < minSamplesCongestion {
		return models.Congestion{Level: 0, Status: models.StatusInsufficientData, Confidence: 0}
	}

	currentGas := w.gas.last()
	currentCount := w.count.last()
	currentHeadway := w.headway.last()

	gasFactor := clamp01(normalize(float64(currentGas), gasMax))
	countFactor := clamp01(normalize(float64(currentCount), countMax))
	headwayFactor := clamp01(1 - normalize(float64(currentHeadway), headwayMax))

	// Falling headway means vehicles are bunching, so its trend is subtracted.
	trendFactor := clamp01((trend(&w.gas) + trend(&w.count) - trend(&w.headway)) / 10)

	score := headwayFactor*weightHeadway +
		gasFactor*weightGas +
		countFactor*weightCount +
		trendFactor*weightTrend
	level := int(score * 100)

	confidence := int(math.Min(100, math.Round(float64(n)/float64(w.Cap())*100)))

	return models.Congestion{
		Level:      level,
		Status:     models.StatusForLevel(level),
		Confidence: confidence,
		Factors: &models.Factors{
			Gas:          int(gasFactor * 100),
			VehicleCount: int(countFactor * 100),
			HeadwayTime:  int(headwayFactor * 100),
			Trend:        int(trendFactor * 100),
		},
		Metrics: &models.WindowMetrics{
			CurrentGas:     currentGas,
			AvgGas:         round2(mean(&w.gas)),
			CurrentCount:   currentCount,
			AvgCount:       round2(mean(&w.count)),
			CurrentHeadway: currentHeadway,
			AvgHeadway:     round2(mean(&w.headway)),
		},
	}
}

// PredictNextMinute projects each metric forecastSteps samples ahead and
// scores the projection.
func (e *Engine) PredictNextMinute() models.Forecast {
	return e.forecast(e.PredictCongestion().Level)
}

func (e *Engine) forecast(currentLevel int) models.Forecast {
	w := e.window
	if w.Len() < minSamplesForecast {
		return models.Forecast{Prediction: 0, Status: models.StatusInsufficientData}
	}

	gas := clamp(float64(w.gas.last())+trend(&w.gas)*forecastSteps, 0, gasMax)
	count := clamp(float64(w.count.last())+trend(&w.count)*forecastSteps, 0, forecastCountMax)
	headway := math.Max(0, float64(w.headway.last())+trend(&w.headway)*forecastSteps)

	gasFactor := clamp01(normalize(gas, gasMax))
	countFactor := clamp01(normalize(count, countMax))
	headwayFactor := clamp01(1 - normalize(headway, headwayMax))

	// The trend term is omitted; these weights sum to 0.95.
	predicted := int((headwayFactor*weightHeadway + gasFactor*weightGas + countFactor*weightCount) * 100)

	return models.Forecast{
		Prediction: predicted,
		Status:     models.StatusForLevel(predicted),
		Change:     predicted - currentLevel,
	}
}

// Recommendations returns advice for the current window state
func (e *Engine) Recommendations() []string {
	current := e.PredictCongestion()
	return Recommend(current.Level, e.forecast(current.Level).Change)
}

// Recommend maps a congestion level and forecast change onto advice. It is a
// pure function of its arguments.
func Recommend(level, change int) []string {
	var recs []string

	switch models.StatusForLevel(level) {
	case models.StatusFreeFlow:
		recs = append(recs, "Traffic is flowing freely. No action needed.")
	case models.StatusLight:
		recs = append(recs, "Light traffic detected. Routes are clear.")
	case models.StatusModerate:
		recs = append(recs,
			"Moderate congestion. Consider alternative routes.",
			"Traffic signals may need adjustment for better flow.",
		)
	case models.StatusHeavy:
		recs = append(recs,
			"Heavy congestion detected!",
			"Increase traffic signal cycle time on main roads.",
			"Consider activating alternate routes or public transport incentives.",
		)
	default:
		recs = append(recs,
			"SEVERE congestion! Immediate action required.",
			"Activate emergency traffic management protocols.",
			"Redirect traffic via alternate routes.",
			"Increase public transport capacity.",
		)
	}

	switch {
	case change > changeThreshold:
		recs = append(recs, "Traffic is getting worse - condition worsening in next minute")
	case change < -changeThreshold:
		recs = append(recs, "Traffic improving - condition should ease in next minute")
	}

	return recs
}

// trend is the least-squares slope over the most recent trendSamples
// entries, or 0 when there are too few.
func trend(r *ring[int]) float64 {
	if r.size < trendSamples {
		return 0
	}
	ys := make([]float64, trendSamples)
	for i := range ys {
		ys[i] = float64(r.at(r.size - trendSamples + i))
	}
	return slope(ys)
}

// slope fits y = a + b*x for x = 0..len(ys)-1 and returns b
func slope(ys []float64) float64 {
	n := float64(len(ys))
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range ys {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// normalize maps v from [0, hi] onto [0, 1] without clamping
func normalize(v, hi float64) float64 {
	return v / hi
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func clamp01(v float64) float64 {
	return clamp(v, 0, 1)
}

func mean(r *ring[int]) float64 {
	if r.size == 0 {
		return 0
	}
	sum := 0
	for i := 0; i < r.size; i++ {
		sum += r.at(i)
	}
	return float64(sum) / float64(r.size)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
