package notify

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRabbitMQ(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3-alpine",
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor:   wait.ForLog("Server startup complete").WithStartupTimeout(90 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5672")
	require.NoError(t, err)

	return fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
}

func TestAMQPBridge_RelaysBetweenReplicas(t *testing.T) {
	url := setupRabbitMQ(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	localA, localB := &recordingPublisher{}, &recordingPublisher{}

	bridgeA, err := DialAMQPBridge(url, localA)
	require.NoError(t, err)
	defer bridgeA.Close()
	bridgeB, err := DialAMQPBridge(url, localB)
	require.NoError(t, err)
	defer bridgeB.Close()

	go func() { _ = bridgeA.Run(ctx) }()
	go func() { _ = bridgeB.Run(ctx) }()
	<-bridgeA.Ready()
	<-bridgeB.Ready()

	ev := Event{JobID: "j2", Type: "schema-rebuild", Event: KindCompleted, Result: map[string]any{"totalTables": 2}, Timestamp: time.Now().UTC()}
	require.NoError(t, bridgeA.Publish(ctx, "user:p1", ev))

	assert.Eventually(t, func() bool { return localB.count() == 1 }, 5*time.Second, 20*time.Millisecond)
	localB.mu.Lock()
	assert.Equal(t, "user:p1", localB.channels[0])
	assert.Equal(t, KindCompleted, localB.events[0].Event)
	localB.mu.Unlock()

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, localA.count())
}
