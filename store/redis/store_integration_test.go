//go:build integration

package redis_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/hookline/dispatch/store"
	redisstore "github.com/hookline/dispatch/store/redis"
	"github.com/hookline/dispatch/store/storetest"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	ctx := context.Background()

	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := ctr.Terminate(ctx); err != nil {
			t.Logf("terminate redis container: %v", err)
		}
	})

	endpoint, err := ctr.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	client := goredis.NewClient(&goredis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	return client
}

func TestConformance(t *testing.T) {
	client := newTestClient(t)
	var n atomic.Int64
	storetest.Run(t, func(t *testing.T) store.Store {
		t.Helper()
		// A fresh hash-tagged namespace per test keeps runs independent.
		prefix := fmt.Sprintf("{dispatch-test-%d}:", n.Add(1))
		return redisstore.New(client, redisstore.WithKeyPrefix(prefix))
	})
}
