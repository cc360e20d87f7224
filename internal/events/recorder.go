// Package events delivers protostats lines, the text form of every reported
// system and peer event, to file and kafka sinks through the event bus.
package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/multierr"

	"firestige.xyz/ntpctl/internal/eventbus"
	"firestige.xyz/ntpctl/internal/log"
	"firestige.xyz/ntpctl/internal/metrics"
)

// Topic is the bus topic protostats records travel on.
const Topic = "protostats"

const (
	mjdUnixEpoch = 40587
	writeTimeout = 5 * time.Second
)

// Record is one protostats line.
type Record struct {
	ID     uuid.UUID
	Time   time.Time
	Source string
	Line   string
}

// Format renders the record as "MJD seconds line", seconds since midnight UTC
// with millisecond resolution.
func (r Record) Format() string {
	t := r.Time.UTC()
	day := t.Unix()/86400 + mjdUnixEpoch
	secs := float64(t.Unix()%86400) + float64(t.Nanosecond())/1e9
	return fmt.Sprintf("%d %.3f %s", day, secs, r.Line)
}

// Sink stores records.
type Sink interface {
	Name() string
	Write(ctx context.Context, rec Record) error
	Close() error
}

// Recorder publishes protostats lines on the bus and fans them out to the
// sinks. Lines from one source keep their order.
type Recorder struct {
	bus   eventbus.EventBus
	sinks []Sink
	now   func() time.Time

	logger   log.Logger
	throttle *log.Throttle
}

// NewRecorder subscribes the sinks to the bus. A nil clock uses time.Now.
func NewRecorder(bus eventbus.EventBus, now func() time.Time, sinks ...Sink) (*Recorder, error) {
	if now == nil {
		now = time.Now
	}
	r := &Recorder{
		bus:      bus,
		sinks:    sinks,
		now:      now,
		logger:   log.GetLogger().WithField("module", "events"),
		throttle: log.NewThrottle(time.Minute),
	}
	if err := bus.Subscribe(Topic, r.deliver); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", Topic, err)
	}
	return r, nil
}

// RecordProtoStats queues one line. The leading token is the event source and
// selects the bus partition.
func (r *Recorder) RecordProtoStats(line string) {
	src, _, _ := strings.Cut(line, " ")
	rec := Record{
		ID:     uuid.Must(uuid.NewV4()),
		Time:   r.now(),
		Source: src,
		Line:   line,
	}
	if err := r.bus.Publish(&eventbus.Event{Topic: Topic, Key: src, Payload: rec}); err != nil {
		metrics.EventSinkErrorsTotal.WithLabelValues("bus").Inc()
		if r.throttle.Allow("publish") {
			r.logger.WithError(err).Warn("protostats line dropped")
		}
	}
}

func (r *Recorder) deliver(e *eventbus.Event) error {
	rec, ok := e.Payload.(Record)
	if !ok {
		return fmt.Errorf("unexpected payload %T", e.Payload)
	}
	var errs error
	for _, s := range r.sinks {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := s.Write(ctx, rec)
		cancel()
		if err != nil {
			metrics.EventSinkErrorsTotal.WithLabelValues(s.Name()).Inc()
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errs
}

// Close drains the bus and closes every sink.
func (r *Recorder) Close() error {
	err := r.bus.Close()
	for _, s := range r.sinks {
		err = multierr.Append(err, s.Close())
	}
	return err
}
