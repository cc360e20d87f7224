package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/ntpctl/internal/config"
)

func TestNewKafkaCommandConsumer(t *testing.T) {
	h := NewCommandHandler(Deps{})
	tests := []struct {
		name    string
		cfg     config.CommandKafkaConfig
		wantErr string
	}{
		{"valid", config.CommandKafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "cmds", GroupID: "ntp"}, ""},
		{"missing brokers", config.CommandKafkaConfig{Topic: "cmds", GroupID: "ntp"}, "brokers"},
		{"missing topic", config.CommandKafkaConfig{Brokers: []string{"localhost:9092"}, GroupID: "ntp"}, "topic"},
		{"missing group", config.CommandKafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "cmds"}, "group_id"},
		{"bad ttl", config.CommandKafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "cmds", GroupID: "ntp", CommandTTL: "soon"}, "command_ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewKafkaCommandConsumer(tt.cfg, "ntp-01", h)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 5*time.Minute, c.ttl)
			require.NoError(t, c.Stop())
			require.NoError(t, c.Stop())
		})
	}
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

func kafkaMessage(t *testing.T, offset int64, kc KafkaCommand) kafka.Message {
	t.Helper()
	b, err := json.Marshal(kc)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: b}
}

func TestKafkaCommandConsumerFilters(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	trap := json.RawMessage(`{"address":"192.0.2.50"}`)

	r := &fakeReader{msgs: []kafka.Message{
		kafkaMessage(t, 1, KafkaCommand{Target: "ntp-02", Command: MethodTrapSet, Payload: trap}),
		kafkaMessage(t, 2, KafkaCommand{Target: "*", Command: MethodTrapSet, Timestamp: now.Add(-time.Hour), Payload: trap}),
		{Offset: 3, Value: []byte("not json")},
		kafkaMessage(t, 4, KafkaCommand{Target: "ntp-01", Command: MethodTrapSet, Timestamp: now.Add(-time.Second), RequestID: "r-4", Payload: trap}),
		kafkaMessage(t, 5, KafkaCommand{Target: "*", Command: MethodStatsClear}),
	}}
	c := newKafkaCommandConsumer(config.CommandKafkaConfig{Topic: "cmds"}, "ntp-01", r, f.h, time.Minute)
	c.now = func() time.Time { return now }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.committed) == 5
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, r.committed)
	require.Len(t, f.eng.traps, 1)
	assert.Equal(t, "192.0.2.50", f.eng.traps[0].Addr.Addr().String())
	assert.Equal(t, 1, f.eng.cleared)

	require.NoError(t, c.Stop())
	assert.True(t, r.closed)
}

func TestKafkaProcessMessageReportsFailure(t *testing.T) {
	f := newFixture(t)
	f.eng.full = true
	c := newKafkaCommandConsumer(config.CommandKafkaConfig{}, "ntp-01", &fakeReader{}, f.h, time.Minute)

	err := c.processMessage(context.Background(), kafkaMessage(t, 1, KafkaCommand{
		Command:   MethodTrapSet,
		RequestID: "r-1",
		Payload:   json.RawMessage(`{"address":"192.0.2.50"}`),
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no resources")
}
