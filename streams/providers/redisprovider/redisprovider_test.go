package redisprovider

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/hexalith/streams-go/streams"
	"github.com/hexalith/streams-go/streams/clock"
	"github.com/hexalith/streams-go/streams/serializer/jsonserializer"
	"github.com/hexalith/streams-go/streams/streamtest"
	"github.com/hexalith/streams-go/streams/uniqueid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// getTestRedisAddress returns the Redis address for testing. Uses
// REDIS_TEST_ADDRESS if set, otherwise defaults to localhost:6379, mirroring
// the teacher's redis_test.go helper.
func getTestRedisAddress() string {
	if addr := os.Getenv("REDIS_TEST_ADDRESS"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

// requireRedis skips the test if Redis is not reachable, rather than
// failing the whole suite in environments with no Redis server.
func requireRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr: getTestRedisAddress(),
		DB:   15, // dedicated test database, mirrors the teacher's convention
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available at %s: %v", getTestRedisAddress(), err)
	}
	return client
}

func TestConformance(t *testing.T) {
	client := requireRedis(t)
	defer func() { _ = client.Close() }()

	streamtest.RunConformance(t, func(t *testing.T) streams.Provider[string] {
		require.NoError(t, client.FlushDB(context.Background()).Err())
		return New[string](client, jsonserializer.New[string](), clock.System{}, uniqueid.UUID{}, 50*time.Millisecond, nil)
	})
}
