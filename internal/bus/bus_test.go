package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ts = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

func mustMessage(t *testing.T, tenant, typ, id string) Message {
	t.Helper()
	msg, err := NewMessage(tenant, typ, id, map[string]any{"id": id}, ts)
	require.NoError(t, err)
	return msg
}

func TestHubDeliversOnlyToTopic(t *testing.T) {
	h := NewHub()
	a := h.Subscribe(TenantTopic("a"))
	defer a.Close()
	b := h.Subscribe(TenantTopic("b"))
	defer b.Close()

	require.NoError(t, h.Publish(context.Background(), mustMessage(t, "a", "item.created", "i1")))

	select {
	case msg := <-a.C:
		assert.Equal(t, "item.created", msg.Type)
		assert.Equal(t, "tenant.a", msg.Topic)
		assert.JSONEq(t, `{"id":"i1"}`, string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("expected message on tenant a")
	}
	select {
	case msg := <-b.C:
		t.Fatalf("tenant b got %v", msg)
	default:
	}
}

func TestHubDropsOldestWhenFull(t *testing.T) {
	h := NewHub(WithSubscriberCapacity(2))
	sub := h.Subscribe("tenant.t")
	defer sub.Close()
	ctx := context.Background()
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, h.Publish(ctx, mustMessage(t, "t", "item.created", id)))
	}
	first := <-sub.C
	second := <-sub.C
	assert.Equal(t, "2", first.EntityID)
	assert.Equal(t, "3", second.EntityID)
}

func TestHubCloseRemovesSubscriber(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("tenant.t")
	assert.Equal(t, 1, h.Subscribers("tenant.t"))
	sub.Close()
	assert.Equal(t, 0, h.Subscribers("tenant.t"))
	_, open := <-sub.C
	assert.False(t, open)
	require.NoError(t, h.Publish(context.Background(), mustMessage(t, "t", "x", "1")))
}

func TestRedisStreamsRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	p := RedisStreams{Client: client, Stream: "deskline:events"}
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, mustMessage(t, "acme", "item.completed", "i1")))
	require.NoError(t, p.Publish(ctx, mustMessage(t, "acme", "item.failed", "i2")))

	msgs, last, err := ReadStream(ctx, client, "deskline:events", "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "item.completed", msgs[0].Type)
	assert.Equal(t, "acme", msgs[1].TenantID)
	assert.NotEqual(t, "0", last)

	more, _, err := ReadStream(ctx, client, "deskline:events", last, 10)
	require.NoError(t, err)
	assert.Empty(t, more)
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaKeysByTenant(t *testing.T) {
	w := &fakeWriter{}
	k := &Kafka{writer: w}
	require.NoError(t, k.Publish(context.Background(), mustMessage(t, "acme", "item.created", "i1")))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "acme", string(w.msgs[0].Key))
	assert.Equal(t, "item.created", string(w.msgs[0].Headers[0].Value))
}

func TestKafkaWithoutBrokersIsNoop(t *testing.T) {
	k := NewKafka(nil, "")
	assert.NoError(t, k.Publish(context.Background(), mustMessage(t, "t", "x", "1")))
	assert.NoError(t, k.Close())
}

func TestFanoutJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	hub := NewHub()
	sub := hub.Subscribe("tenant.t")
	defer sub.Close()
	f := Fanout{hub, &Kafka{writer: &fakeWriter{err: boom}}, nil}
	err := f.Publish(context.Background(), mustMessage(t, "t", "x", "1"))
	assert.ErrorIs(t, err, boom)
	assert.Len(t, sub.C, 1)
}

func TestParseBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, ParseBrokers(" a:9092, ,b:9092"))
	assert.Nil(t, ParseBrokers(""))
}
