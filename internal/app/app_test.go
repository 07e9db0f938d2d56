package app

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/literature-pipeline/internal/config"
	"github.com/helixir/literature-pipeline/internal/jobs"
)

func TestNewQueue(t *testing.T) {
	t.Run("memory", func(t *testing.T) {
		q, err := newQueue(config.QueueConfig{Backend: config.QueueBackendMemory, Buffer: 4}, zerolog.Nop())
		require.NoError(t, err)
		assert.IsType(t, &jobs.MemoryQueue{}, q)
		require.NoError(t, q.Close())
	})

	t.Run("kafka without brokers", func(t *testing.T) {
		_, err := newQueue(config.QueueConfig{
			Backend: config.QueueBackendKafka,
			Kafka:   config.KafkaConfig{Topic: "jobs", GroupID: "workers"},
		}, zerolog.Nop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "create kafka queue")
	})
}

func TestApp_CloseRunsInReverseOrder(t *testing.T) {
	var order []int
	a := &App{Logger: zerolog.Nop()}
	for i := range 3 {
		a.closers = append(a.closers, func() error {
			order = append(order, i)
			return nil
		})
	}
	a.Close()
	assert.Equal(t, []int{2, 1, 0}, order)

	a.Close()
	assert.Len(t, order, 3)
}
