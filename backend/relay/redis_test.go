package relay

import (
	"context"
	"testing"
	"time"

	"github.com/adwski/roommesh/backend/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedis_Defaults(t *testing.T) {
	r := NewRedis(RedisConfig{})
	defer func() {
		_ = r.Close()
	}()
	assert.Equal(t, defaultKeyPrefix+"runtime", r.channel("runtime"))
	assert.NotEmpty(t, r.Origin())
	assert.NotEqual(t, r.Origin(), NewRedis(RedisConfig{}).Origin())
}

func TestRedis_PublishSubscribe(t *testing.T) {
	// Skip if Redis is not available
	testClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := testClient.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	_ = testClient.Close()

	newRelay := func() *Redis {
		return NewRedis(RedisConfig{
			Client:    redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			KeyPrefix: "test:relay:",
		})
	}
	a, b := newRelay(), newRelay()
	defer func() {
		_ = a.Close()
		_ = b.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	gotA := make(chan Frame, 1)
	gotB := make(chan Frame, 1)
	go func() { _ = a.Subscribe(ctx, func(f Frame) { gotA <- f }) }()
	go func() { _ = b.Subscribe(ctx, func(f Frame) { gotB <- f }) }()
	// let both subscriptions settle
	time.Sleep(200 * time.Millisecond)

	env := model.Envelope{Event: model.EventDomainDataSet, Room: "IDE-app", SRC: "s1"}
	require.NoError(t, a.Publish(ctx, Frame{Namespace: "runtime", Envelope: env}))

	select {
	case f := <-gotB:
		assert.Equal(t, a.Origin(), f.Origin)
		assert.Equal(t, "runtime", f.Namespace)
		assert.Equal(t, env, f.Envelope)
	case <-ctx.Done():
		t.Fatal("frame was not relayed")
	}

	select {
	case <-gotA:
		t.Fatal("own frame must be filtered")
	case <-time.After(200 * time.Millisecond):
	}
}
