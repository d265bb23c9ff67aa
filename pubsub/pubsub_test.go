package pubsub

import (
	"encoding/json"
	"errors"
	"sort"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-mux/api"
)

type delivery struct {
	id      string
	payload string
}

func collect(out *[]delivery) DeliverFunc {
	return func(id string, _ api.OpCode, payload []byte) {
		*out = append(*out, delivery{id, string(payload)})
	}
}

func TestPublishSkipsPublisherUnlessLocal(t *testing.T) {
	p := NewPublisher()
	p.Subscribe("room", "a", false)
	p.Subscribe("room", "b", true)
	p.Subscribe("room", "c", false)

	var got []delivery
	if n := p.Publish("room", "a", api.OpText, []byte("hi"), collect(&got)); n != 2 {
		t.Fatalf("deliveries = %d", n)
	}
	sort.Slice(got, func(i, j int) bool { return got[i].id < got[j].id })
	if got[0].id != "b" || got[1].id != "c" {
		t.Fatalf("got %v", got)
	}

	got = got[:0]
	if n := p.Publish("room", "b", api.OpText, []byte("x"), collect(&got)); n != 3 {
		t.Fatalf("local publisher should receive its own message, n = %d", n)
	}
}

func TestUnsubscribe(t *testing.T) {
	p := NewPublisher()
	p.Subscribe("t1", "a", false)
	p.Subscribe("t2", "a", false)
	p.Subscribe("t2", "b", false)

	p.Unsubscribe("t1", "a")
	if p.Topics() != 1 || p.Subscribers("t2") != 2 {
		t.Fatalf("topics=%d t2=%d", p.Topics(), p.Subscribers("t2"))
	}
	if n := p.UnsubscribeAll("a"); n != 1 {
		t.Fatalf("left %d topics", n)
	}
	var got []delivery
	p.Publish("t2", "", api.OpBinary, []byte{1}, collect(&got))
	if len(got) != 1 || got[0].id != "b" {
		t.Fatalf("got %v", got)
	}
	if p.UnsubscribeAll("missing") != 0 {
		t.Error("unknown subscriber")
	}
}

func newTestBridge() *RedisBridge {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	return NewRedisBridge(client, "", zerolog.Nop())
}

func TestBridgeProcess(t *testing.T) {
	b := newTestBridge()
	var topic, payload string
	remote := func(tp string, op api.OpCode, p []byte) {
		topic, payload = tp, string(p)
	}

	foreign, _ := json.Marshal(envelope{Node: "other", Topic: "room", OpCode: byte(api.OpText), Payload: []byte("hello")})
	if err := b.process(DefaultChannelPrefix+"room", string(foreign), remote); err != nil {
		t.Fatal(err)
	}
	if topic != "room" || payload != "hello" {
		t.Fatalf("topic=%q payload=%q", topic, payload)
	}

	topic = ""
	own, _ := json.Marshal(envelope{Node: b.Node(), Topic: "room", OpCode: byte(api.OpText)})
	if err := b.process(DefaultChannelPrefix+"room", string(own), remote); err != nil || topic != "" {
		t.Fatalf("own publication delivered: err=%v topic=%q", err, topic)
	}

	ping, _ := json.Marshal(envelope{Node: "other", Topic: "room", OpCode: byte(api.OpPing)})
	if err := b.process(DefaultChannelPrefix+"room", string(ping), remote); err == nil {
		t.Error("control opcode accepted")
	}
	if err := b.process(DefaultChannelPrefix+"room", "{", remote); err == nil {
		t.Error("garbage accepted")
	}
}

func TestBridgeOutboxFull(t *testing.T) {
	b := newTestBridge()
	for i := 0; i < defaultOutbox; i++ {
		if err := b.Publish("t", api.OpText, nil); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	err := b.Publish("t", api.OpText, nil)
	if !errors.Is(err, ErrOutboxFull) || !errors.Is(err, api.ErrResourceExceeded) {
		t.Fatalf("err = %v", err)
	}
}
