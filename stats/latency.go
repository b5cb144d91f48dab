package stats

import (
	"context"
	"errors"
	"sync"
	"time"

	mstats "github.com/montanaflynn/stats"
)

const defaultLatencyWindow = 1024

var ErrNoSamples = errors.New("stats: no samples recorded")

type latencyKey struct{}

// LatencyRecorder is a Handler keeping the most recent call durations of
// every method.
type LatencyRecorder struct {
	window int

	mu      sync.Mutex
	samples map[string][]float64
	next    map[string]int
}

// LatencySummary describes the recorded durations of one method, in
// milliseconds.
type LatencySummary struct {
	Count int
	Mean  float64
	P50   float64
	P99   float64
	Max   float64
}

// NewLatencyRecorder keeps up to window samples per method. A non-positive
// window selects the default.
func NewLatencyRecorder(window int) *LatencyRecorder {
	if window <= 0 {
		window = defaultLatencyWindow
	}
	return &LatencyRecorder{
		window:  window,
		samples: make(map[string][]float64),
		next:    make(map[string]int),
	}
}

func (r *LatencyRecorder) TagRPC(ctx context.Context, info *RPCTagInfo) context.Context {
	return context.WithValue(ctx, latencyKey{}, info.FullMethodName)
}

func (r *LatencyRecorder) HandleRPC(ctx context.Context, rs RPCStats) {
	end, ok := rs.(*End)
	if !ok {
		return
	}
	method, _ := ctx.Value(latencyKey{}).(string)
	r.Record(method, end.EndTime.Sub(end.BeginTime))
}

// Record adds one sample for method, evicting the oldest once the window
// is full.
func (r *LatencyRecorder) Record(method string, d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)

	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.samples[method]
	if len(s) < r.window {
		r.samples[method] = append(s, ms)
		return
	}
	i := r.next[method]
	s[i] = ms
	r.next[method] = (i + 1) % r.window
}

// Summary computes the statistics of the samples recorded for method.
func (r *LatencyRecorder) Summary(method string) (LatencySummary, error) {
	r.mu.Lock()
	data := mstats.Float64Data(append([]float64(nil), r.samples[method]...))
	r.mu.Unlock()

	if len(data) == 0 {
		return LatencySummary{}, ErrNoSamples
	}

	var (
		sum LatencySummary
		err error
	)
	sum.Count = len(data)
	if sum.Mean, err = mstats.Mean(data); err != nil {
		return LatencySummary{}, err
	}
	if sum.P50, err = mstats.Percentile(data, 50); err != nil {
		return LatencySummary{}, err
	}
	if sum.P99, err = mstats.Percentile(data, 99); err != nil {
		return LatencySummary{}, err
	}
	if sum.Max, err = mstats.Max(data); err != nil {
		return LatencySummary{}, err
	}
	return sum, nil
}

// Methods returns the methods with recorded samples.
func (r *LatencyRecorder) Methods() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.samples))
	for m := range r.samples {
		out = append(out, m)
	}
	return out
}
