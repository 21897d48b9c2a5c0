package sink

import (
	"context"
	"errors"
	"testing"

	"github.com/go-json-experiment/json"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/V4T54L/modsec-extractor/internal/domain"
)

type fakePublisher struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (p *fakePublisher) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func (p *fakePublisher) Close() error {
	p.closed = true
	return nil
}

func TestKafkaSink_PublishesRows(t *testing.T) {
	pub := &fakePublisher{}
	s := NewKafkaSink(pub)

	row := rows[0]
	row.ID = "4f1c2a7e-0000-5000-8000-000000000001"
	row.Source = "/var/log/modsec_audit.log"
	row.Line = 42
	require.NoError(t, s.WriteRow(context.Background(), row))
	require.NoError(t, s.Close())

	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]
	assert.Equal(t, row.ID, string(msg.Key))
	assert.Equal(t, []kafka.Header{
		{Key: "source", Value: []byte("/var/log/modsec_audit.log")},
		{Key: "line", Value: []byte("42")},
	}, msg.Headers)

	var got domain.ExtractedRow
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, row.Fields, got.Fields)
	assert.True(t, pub.closed)
}

func TestKafkaSink_PublishError(t *testing.T) {
	boom := errors.New("leader not available")
	s := NewKafkaSink(&fakePublisher{err: boom})
	err := s.WriteRow(context.Background(), rows[1])
	assert.ErrorIs(t, err, boom)
}
