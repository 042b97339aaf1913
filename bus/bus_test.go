// bus/bus_test.go
package bus

import (
	"testing"
	"time"
)

const (
	topicSD      = "sdcard"
	topicConsole = "console"
)

func recv(t *testing.T, sub *Subscription) *Message {
	t.Helper()
	select {
	case got := <-sub.Channel():
		return got
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func TestBasicPubSub(t *testing.T) {
	b := NewBus(4)
	conn := b.NewConnection("test")

	sub := conn.Subscribe(Topic{topicConsole, "state"})

	conn.Publish(conn.NewMessage(Topic{topicConsole, "state"}, "active", false))

	got := recv(t, sub)
	if got.Payload.(string) != "active" {
		t.Errorf("expected payload 'active', got %v", got.Payload)
	}
}

func TestRetainedMessage(t *testing.T) {
	b := NewBus(2)
	conn := b.NewConnection("test")

	conn.Publish(conn.NewMessage(Topic{topicConsole, "state"}, "hibernating", true))

	sub := conn.Subscribe(Topic{topicConsole, "state"})

	got := recv(t, sub)
	if got.Payload.(string) != "hibernating" {
		t.Errorf("expected retained payload 'hibernating', got %v", got.Payload)
	}
}

func TestRetainedCleared(t *testing.T) {
	b := NewBus(2)
	conn := b.NewConnection("test")

	conn.Publish(conn.NewMessage(Topic{topicSD, "state"}, "ready", true))
	conn.Publish(conn.NewMessage(Topic{topicSD, "state"}, nil, true))

	sub := conn.Subscribe(Topic{topicSD, "state"})
	select {
	case got := <-sub.Channel():
		t.Errorf("expected no retained message, got %v", got.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWildcardSingleLevel(t *testing.T) {
	b := NewBus(16)
	c := b.NewConnection("test")

	sub := c.Subscribe(Topic{topicSD, "upcall", Wildcard})

	c.Publish(c.NewMessage(Topic{topicSD, "upcall", "app0"}, 1, false))
	c.Publish(c.NewMessage(Topic{topicSD, "upcall", "app1"}, 2, false))
	c.Publish(c.NewMessage(Topic{topicSD, "other", "app0"}, 3, false))

	first := recv(t, sub)
	second := recv(t, sub)
	if first.Payload.(int) != 1 || second.Payload.(int) != 2 {
		t.Errorf("unexpected payloads: %v %v", first.Payload, second.Payload)
	}
	select {
	case got := <-sub.Channel():
		t.Errorf("unexpected extra message: %v", got.Payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestIntTokens(t *testing.T) {
	b := NewBus(4)
	c := b.NewConnection("test")

	sub := c.Subscribe(Topic{topicSD, "block", 42})
	c.Publish(c.NewMessage(Topic{topicSD, "block", 42}, "data", false))

	got := recv(t, sub)
	if got.Payload.(string) != "data" {
		t.Errorf("unexpected payload: %v", got.Payload)
	}
}

func TestReply(t *testing.T) {
	b := NewBus(4)
	server := b.NewConnection("server")
	client := b.NewConnection("client")

	reqSub := server.Subscribe(Topic{topicSD, "control"})
	respSub := client.Subscribe(Topic{"client", "resp"})

	req := client.NewMessage(Topic{topicSD, "control"}, "initialize", false)
	req.ReplyTo = Topic{"client", "resp"}
	client.Publish(req)

	got := recv(t, reqSub)
	server.Reply(got, "ok", false)

	resp := recv(t, respSub)
	if resp.Payload.(string) != "ok" {
		t.Errorf("unexpected reply payload: %v", resp.Payload)
	}
}

func TestDropOldestWhenFull(t *testing.T) {
	b := NewBus(2)
	c := b.NewConnection("test")

	sub := c.Subscribe(Topic{topicConsole, "out"})
	for i := 0; i < 5; i++ {
		c.Publish(c.NewMessage(Topic{topicConsole, "out"}, i, false))
	}

	// Oldest messages were dropped; the last two survive.
	first := recv(t, sub)
	second := recv(t, sub)
	if first.Payload.(int) != 3 || second.Payload.(int) != 4 {
		t.Errorf("expected payloads 3,4 got %v,%v", first.Payload, second.Payload)
	}
}

func TestUnsubscribePrunes(t *testing.T) {
	b := NewBus(4)
	c := b.NewConnection("test")

	sub := c.Subscribe(Topic{topicSD, "upcall", Wildcard})
	sub.Unsubscribe()

	if b.root.wild != nil || len(b.root.children) != 0 {
		t.Errorf("trie not pruned after unsubscribe")
	}

	// Publishing after unsubscribe must not panic or deliver.
	c.Publish(c.NewMessage(Topic{topicSD, "upcall", "app0"}, 1, false))
	select {
	case got, ok := <-sub.Channel():
		if ok {
			t.Errorf("unexpected delivery after unsubscribe: %v", got.Payload)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDisconnectClosesSubs(t *testing.T) {
	b := NewBus(4)
	c := b.NewConnection("test")

	sub := c.Subscribe(Topic{topicConsole, "state"})
	c.Disconnect()

	if _, ok := <-sub.Channel(); ok {
		t.Errorf("expected closed channel after Disconnect")
	}
}
