package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublishRecordsMessages(t *testing.T) {
	p := New()

	id1, err := p.Publish(context.Background(), "jobs.completed", map[string]string{"job_id": "a"})
	require.NoError(t, err)
	id2, err := p.Publish(context.Background(), "jobs.completed", map[string]string{"job_id": "b"})
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	msgs := p.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "jobs.completed", msgs[0].Topic)
	require.Equal(t, map[string]string{"job_id": "a"}, msgs[0].Payload)
}

func TestResetDiscardsRecordsButNotIDs(t *testing.T) {
	p := New()
	id1, err := p.Publish(context.Background(), "t", "a")
	require.NoError(t, err)

	p.Reset()
	require.Empty(t, p.Messages())

	id2, err := p.Publish(context.Background(), "t", "b")
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)
	require.Len(t, p.Messages(), 1)
}

func TestMessagesReturnsCopy(t *testing.T) {
	p := New()
	_, err := p.Publish(context.Background(), "t", "payload")
	require.NoError(t, err)

	msgs := p.Messages()
	msgs[0].Topic = "mutated"
	require.Equal(t, "t", p.Messages()[0].Topic)
}
