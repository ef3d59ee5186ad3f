package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"
)

// Scenario is one simulated traffic regime
type Scenario struct {
	Name       string
	GasMin     int
	GasMax     int
	CountMin   int
	CountMax   int
	HeadwayMin int
	HeadwayMax int
	Duration   time.Duration // used when the scenario is part of a cycle
}

var scenarios = map[string]Scenario{
	"free":     {Name: "free", GasMin: 50, GasMax: 150, CountMin: 0, CountMax: 2, HeadwayMin: 3500, HeadwayMax: 5000, Duration: 8 * time.Second},
	"light":    {Name: "light", GasMin: 150, GasMax: 250, CountMin: 2, CountMax: 4, HeadwayMin: 2500, HeadwayMax: 3500, Duration: 8 * time.Second},
	"moderate": {Name: "moderate", GasMin: 250, GasMax: 350, CountMin: 4, CountMax: 6, HeadwayMin: 1500, HeadwayMax: 2500, Duration: 8 * time.Second},
	"heavy":    {Name: "heavy", GasMin: 350, GasMax: 450, CountMin: 6, CountMax: 9, HeadwayMin: 800, HeadwayMax: 1500, Duration: 8 * time.Second},
	"severe":   {Name: "severe", GasMin: 450, GasMax: 600, CountMin: 9, CountMax: 12, HeadwayMin: 300, HeadwayMax: 800, Duration: 10 * time.Second},
}

var cycleOrder = []string{"free", "light", "moderate", "heavy", "severe", "heavy", "moderate", "light", "free"}

var simulatedUIDs = []string{"5E51B05", "593515", "639CA18", "7A2B4C9", "8C3D5E1"}

// SimulationModes lists the accepted mode names
func SimulationModes() []string {
	return []string{"cycle", "free", "light", "moderate", "heavy", "severe"}
}

// wireFrame fixes the field order of emitted frames
type wireFrame struct {
	Timestamp string `json:"timestamp"`
	UID       string `json:"uid"`
	Gas       int    `json:"gas"`
	Count     int    `json:"count"`
	HeadwayMs int    `json:"headway_ms"`
	Flag      string `json:"flag"`
}

// Simulator emits wire frames for a traffic scenario. It can be polled as a
// Transport or driven with Run to write frames to a port.
type Simulator struct {
	mu       sync.Mutex
	mode     string
	steps    []Scenario
	step     int
	stepFrom time.Time
	interval time.Duration
	lastEmit time.Time
	pending  []byte
	rng      *rand.Rand
	now      func() time.Time
	closed   bool
}

// NewSimulator creates a simulator for mode ("cycle" or a scenario name)
// emitting one frame per interval.
func NewSimulator(mode string, interval time.Duration, seed int64) (*Simulator, error) {
	var steps []Scenario
	if mode == "cycle" {
		for _, name := range cycleOrder {
			steps = append(steps, scenarios[name])
		}
	} else {
		sc, ok := scenarios[mode]
		if !ok {
			return nil, fmt.Errorf("unknown simulation mode: %s", mode)
		}
		steps = []Scenario{sc}
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Simulator{
		mode:     mode,
		steps:    steps,
		interval: interval,
		rng:      rand.New(rand.NewSource(seed)),
		now:      time.Now,
	}, nil
}

// Scenario returns the regime currently being simulated
func (s *Simulator) Scenario() Scenario {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current(s.now())
}

// current advances through a cycle as step durations elapse; a single
// scenario repeats forever.
func (s *Simulator) current(now time.Time) Scenario {
	if s.stepFrom.IsZero() {
		s.stepFrom = now
	}
	if len(s.steps) > 1 {
		for now.Sub(s.stepFrom) >= s.steps[s.step].Duration {
			s.stepFrom = s.stepFrom.Add(s.steps[s.step].Duration)
			s.step = (s.step + 1) % len(s.steps)
		}
	}
	return s.steps[s.step]
}

// Frame builds the next newline-terminated frame
func (s *Simulator) Frame() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame(s.now())
}

func (s *Simulator) frame(now time.Time) []byte {
	sc := s.current(now)
	f := wireFrame{
		Timestamp: now.UTC().Format("2006-01-02T15:04:05.000000") + "Z",
		UID:       simulatedUIDs[s.rng.Intn(len(simulatedUIDs))],
		Gas:       between(s.rng, sc.GasMin, sc.GasMax),
		Count:     between(s.rng, sc.CountMin, sc.CountMax),
		HeadwayMs: between(s.rng, sc.HeadwayMin, sc.HeadwayMax),
	}
	data, _ := json.Marshal(f)
	return append(data, '\n')
}

func between(rng *rand.Rand, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + rng.Intn(hi-lo+1)
}

// Read emits a frame whenever an interval has passed since the last one.
func (s *Simulator) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	if len(s.pending) == 0 {
		now := s.now()
		if !s.lastEmit.IsZero() && now.Sub(s.lastEmit) < s.interval {
			return 0, nil
		}
		s.lastEmit = now
		s.pending = s.frame(now)
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}

// Run writes one frame per interval to w until ctx is cancelled
func (s *Simulator) Run(ctx context.Context, w io.Writer, onFrame func([]byte)) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		frame := s.Frame()
		if _, err := w.Write(frame); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		if onFrame != nil {
			onFrame(frame)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Close stops the simulator; later reads fail
func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Info reports the simulated mode as the port name
func (s *Simulator) Info() Info {
	return Info{Port: "simulator:" + s.mode}
}
