package rabbitmq

import (
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestQueueNames(t *testing.T) {
	assert.Equal(t, "agent_notifications.retry", RetryQueue("agent_notifications"))
	assert.Equal(t, "agent_notifications.dlq", DeadLetterQueue("agent_notifications"))
}

func TestAttemptOf(t *testing.T) {
	assert.Equal(t, 1, AttemptOf(nil))
	assert.Equal(t, 2, AttemptOf(amqp.Table{"x-attempt": int32(2)}))
	assert.Equal(t, 3, AttemptOf(amqp.Table{"x-attempt": int64(3)}))
	assert.Equal(t, 1, AttemptOf(amqp.Table{"x-attempt": "junk"}))
}
