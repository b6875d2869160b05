package eventbus

import "testing"

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch := b.Subscribe(KindSessionExit)
	b.Publish(Event{Kind: KindSessionExit, Payload: SessionExit{SessionID: "s1"}})
	select {
	case e := <-ch:
		p, ok := e.Payload.(SessionExit)
		if !ok || p.SessionID != "s1" {
			t.Fatalf("unexpected payload: %#v", e.Payload)
		}
	default:
		t.Fatal("expected event, got none")
	}
}

func TestPublishFiltersByKind(t *testing.T) {
	b := New()
	ch := b.Subscribe(KindSessionExit)
	b.Publish(Event{Kind: KindContextUpdate})
	select {
	case e := <-ch:
		t.Fatalf("unexpected event delivered: %#v", e)
	default:
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch := b.Subscribe(KindSessionExit)
	b.Unsubscribe(ch)
	if b.SubscriberCount(KindSessionExit) != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", b.SubscriberCount(KindSessionExit))
	}
	b.Publish(Event{Kind: KindSessionExit})
	if _, open := <-ch; open {
		t.Fatal("channel should be closed after Unsubscribe")
	}
}

func TestUnsubscribeTwiceIsSafe(t *testing.T) {
	b := New()
	ch := b.Subscribe(KindSessionExit)
	b.Unsubscribe(ch)
	b.Unsubscribe(ch)
}

func TestPublishNonBlockingOnFullQueue(t *testing.T) {
	b := New()
	ch := b.Subscribe(KindSessionExit)
	for i := 0; i < defaultQueueSize+10; i++ {
		b.Publish(Event{Kind: KindSessionExit})
	}
	if len(ch) != defaultQueueSize {
		t.Fatalf("queue len = %d, want %d", len(ch), defaultQueueSize)
	}
}

func TestPublishOnNilBusIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(Event{Kind: KindSessionExit})
}

func TestMultipleSubscribersSameKind(t *testing.T) {
	b := New()
	a := b.Subscribe(KindTicketStateChange)
	c := b.Subscribe(KindTicketStateChange)
	if b.SubscriberCount(KindTicketStateChange) != 2 {
		t.Fatalf("SubscriberCount = %d, want 2", b.SubscriberCount(KindTicketStateChange))
	}
	b.Publish(Event{Kind: KindTicketStateChange})
	for _, ch := range []<-chan Event{a, c} {
		select {
		case <-ch:
		default:
			t.Fatal("expected delivery to all subscribers")
		}
	}
}
