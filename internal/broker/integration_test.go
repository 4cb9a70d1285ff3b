package broker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	logx "toastboard/pkg/logx"
)

func startContainer(t *testing.T, req testcontainers.ContainerRequest) testcontainers.Container {
	t.Helper()
	if testing.Short() {
		t.Skip("container test skipped in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })
	return c
}

func TestAMQPContainerIntegration(t *testing.T) {
	c := startContainer(t, testcontainers.ContainerRequest{
		Image:        "rabbitmq:3.13-alpine",
		ExposedPorts: []string{"5672/tcp"},
		WaitingFor:   wait.ForListeningPort("5672/tcp").WithStartupTimeout(60 * time.Second),
	})
	ctx := context.Background()
	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := c.MappedPort(ctx, "5672")
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}

	b, err := Open(ctx, Config{
		Driver:   "amqp",
		URL:      fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port()),
		PullWait: 2 * time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	testBrokerContract(t, b, "toastboard.it-amqp")
}

func TestKafkaContainerIntegration(t *testing.T) {
	// The advertised address must match the host port, so 9092 is bound as-is.
	startContainer(t, testcontainers.ContainerRequest{
		Image:        "docker.redpanda.com/redpandadata/redpanda:v24.1.8",
		ExposedPorts: []string{"9092:9092/tcp"},
		Cmd: []string{
			"redpanda", "start", "--overprovisioned", "--smp", "1", "--memory", "512M",
			"--reserve-memory", "0M", "--check=false", "--node-id", "0",
			"--kafka-addr", "0.0.0.0:9092", "--advertise-kafka-addr", "127.0.0.1:9092",
		},
		WaitingFor: wait.ForLog("Successfully started Redpanda").WithStartupTimeout(90 * time.Second),
	})

	ctx := context.Background()
	b, err := Open(ctx, Config{
		Driver:   "kafka",
		Brokers:  []string{"127.0.0.1:9092"},
		PullWait: 2 * time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	testBrokerContract(t, b, "toastboard.it-kafka")
}
