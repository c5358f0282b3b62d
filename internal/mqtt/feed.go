package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agsys/crop-steering/internal/model"
)

// DefaultFeedDepth is the number of samples kept per sensor kind
const DefaultFeedDepth = 64

// SensorFeed buffers the most recent samples a zone received, per kind
type SensorFeed struct {
	mu      sync.Mutex
	depth   int
	samples map[model.SensorKind][]model.SensorSample
	now     func() time.Time
}

// NewSensorFeed creates a feed keeping depth samples per kind
func NewSensorFeed(depth int) *SensorFeed {
	if depth <= 0 {
		depth = DefaultFeedDepth
	}
	return &SensorFeed{
		depth:   depth,
		samples: make(map[model.SensorKind][]model.SensorSample),
		now:     time.Now,
	}
}

// Add appends a sample, dropping the oldest once the buffer is full
func (f *SensorFeed) Add(s model.SensorSample) {
	f.mu.Lock()
	defer f.mu.Unlock()

	buf := append(f.samples[s.Kind], s)
	if len(buf) > f.depth {
		buf = buf[len(buf)-f.depth:]
	}
	f.samples[s.Kind] = buf
}

// RecentSamples returns a copy of the buffered samples of a kind, oldest first
func (f *SensorFeed) RecentSamples(ctx context.Context, kind model.SensorKind) ([]model.SensorSample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	buf := f.samples[kind]
	out := make([]model.SensorSample, len(buf))
	copy(out, buf)
	return out, nil
}

// HandlePayload parses an inbound sample. Platforms publish either a JSON
// sample or a bare number; missing kind and timestamp are filled in.
func (f *SensorFeed) HandlePayload(kind model.SensorKind, payload []byte) error {
	sample, err := parseSample(kind, payload, f.now())
	if err != nil {
		return err
	}
	f.Add(sample)
	return nil
}

func parseSample(kind model.SensorKind, payload []byte, now time.Time) (model.SensorSample, error) {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return model.SensorSample{}, fmt.Errorf("empty %s sample", kind)
	}

	var sample model.SensorSample
	if strings.HasPrefix(text, "{") {
		if err := json.Unmarshal([]byte(text), &sample); err != nil {
			return model.SensorSample{}, fmt.Errorf("invalid %s sample: %w", kind, err)
		}
	} else {
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return model.SensorSample{}, fmt.Errorf("invalid %s sample %q: %w", kind, text, err)
		}
		sample.Value = v
	}

	if sample.Kind == "" {
		sample.Kind = kind
	} else if sample.Kind != kind {
		return model.SensorSample{}, fmt.Errorf("sample kind %s published on %s topic", sample.Kind, kind)
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = now
	}
	return sample, nil
}
