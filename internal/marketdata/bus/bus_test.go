package bus

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tradewatch/internal/model"
)

type recordingSender struct {
	mu    sync.Mutex
	sends []string
}

func (r *recordingSender) Send(payload string) error {
	r.mu.Lock()
	r.sends = append(r.sends, payload)
	r.mu.Unlock()
	return nil
}

func (r *recordingSender) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sends...)
}

func tick(token string) model.Tick {
	return model.Tick{Token: token, LastPrice: model.ParseNum(`"100"`)}
}

func TestRegistry_UnionSentOncePerChange(t *testing.T) {
	snd := &recordingSender{}
	b := New(snd)

	a := b.Register("A", []string{"T1", "T2"}, func(Event) {})
	sb := b.Register("B", []string{"T2", "T3"}, func(Event) {})

	// Same set again, reordered, with duplicates: no new send.
	sb.SetInterest([]string{"T3", "T2", "T3", " "})
	a.SetInterest([]string{"T2", "T1"})

	got := snd.all()
	want := []string{"T1,T2", "T1,T2,T3"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("sends: got %q, want %q", got, want)
	}
}

func TestRegistry_EmptyInitialUnionNotSent(t *testing.T) {
	snd := &recordingSender{}
	b := New(snd)
	b.Register("cache", nil, func(Event) {})
	if n := len(snd.all()); n != 0 {
		t.Errorf("sends: got %d, want 0", n)
	}
}

func TestBus_TwoConsumersScenario(t *testing.T) {
	snd := &recordingSender{}
	b := New(snd)

	var mu sync.Mutex
	got := map[string][]string{}
	record := func(id string) Handler {
		return func(ev Event) {
			mu.Lock()
			got[id] = append(got[id], ev.Tick.Token)
			mu.Unlock()
		}
	}

	b.Register("A", []string{"T1", "T2"}, record("A"))
	sb := b.Register("B", []string{"T2", "T3"}, record("B"))

	if u := strings.Join(b.Union(), ","); u != "T1,T2,T3" {
		t.Fatalf("union: got %s", u)
	}

	b.PublishTick(tick("T2"))
	if len(got["A"]) != 1 || len(got["B"]) != 1 {
		t.Fatalf("deliveries after first tick: %v", got)
	}

	sb.Unregister()
	sends := snd.all()
	if sends[len(sends)-1] != "T1,T2" {
		t.Errorf("send after unregister: got %q, want T1,T2", sends[len(sends)-1])
	}

	b.PublishTick(tick("T3"))
	if len(got["B"]) != 1 {
		t.Errorf("B received after unregister: %v", got["B"])
	}
	if len(got["A"]) != 2 {
		t.Errorf("A deliveries: got %d, want 2", len(got["A"]))
	}

	// Second unregister is a no-op.
	sb.Unregister()
	if n := len(snd.all()); n != len(sends) {
		t.Errorf("double unregister sent again: %d sends", n)
	}
}

func TestBus_UnregisterDuringPublish(t *testing.T) {
	b := New(nil)

	var bCalls int
	var sb *Subscription
	b.Register("A", nil, func(Event) { sb.Unregister() })
	sb = b.Register("B", nil, func(Event) { bCalls++ })

	b.PublishTick(tick("T1"))
	if bCalls != 0 {
		t.Errorf("B invoked %d times after being unregistered mid-dispatch", bCalls)
	}
}

func TestBus_UnregisterWaitsForRunningHandler(t *testing.T) {
	b := New(nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	sub := b.Register("slow", nil, func(Event) {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
	})

	go b.PublishTick(tick("T1"))
	<-entered

	done := make(chan struct{})
	go func() {
		sub.Unregister()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Unregister returned while the handler was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Unregister did not return after the handler finished")
	}

	b.PublishTick(tick("T2"))
	if n := calls.Load(); n != 1 {
		t.Errorf("handler calls: got %d, want 1", n)
	}
}

func TestBus_RegisterDuringPublish(t *testing.T) {
	b := New(nil)

	var late int
	b.Register("A", nil, func(Event) {
		b.Register("late", nil, func(Event) { late++ })
	})

	b.PublishTick(tick("T1"))
	if late != 0 {
		t.Errorf("consumer registered mid-dispatch got the in-flight event")
	}
	b.PublishTick(tick("T1"))
	if late != 1 {
		t.Errorf("late consumer deliveries: got %d, want 1", late)
	}
}

func TestBus_PanicIsolated(t *testing.T) {
	b := New(nil)

	var panicked []string
	b.OnPanic = func(id string, _ any) { panicked = append(panicked, id) }

	var bGot int
	b.Register("A", nil, func(Event) { panic("boom") })
	b.Register("B", nil, func(Event) { bGot++ })

	b.PublishTick(tick("T1"))
	b.PublishTick(tick("T1"))

	if bGot != 2 {
		t.Errorf("B deliveries: got %d, want 2", bGot)
	}
	if len(panicked) != 2 || panicked[0] != "A" {
		t.Errorf("OnPanic: got %v", panicked)
	}
}

func TestBus_DisconnectedBroadcast(t *testing.T) {
	b := New(nil)

	var types []EventType
	b.Register("A", []string{"T1"}, func(ev Event) { types = append(types, ev.Type) })
	b.Register("B", nil, func(ev Event) { types = append(types, ev.Type) })

	b.Disconnected()
	if len(types) != 2 || types[0] != EventDisconnected || types[1] != EventDisconnected {
		t.Errorf("got %v", types)
	}
}

func TestBus_ReplaceDuplicateID(t *testing.T) {
	b := New(nil)

	var first, second int
	b.Register("A", nil, func(Event) { first++ })
	b.Register("A", nil, func(Event) { second++ })

	b.PublishTick(tick("T1"))
	if first != 0 || second != 1 {
		t.Errorf("got first=%d second=%d", first, second)
	}
	if st := b.Stats(); st.Subscribers != 1 {
		t.Errorf("subscribers: got %d, want 1", st.Subscribers)
	}
}

func TestBus_ChanDropsWhenFull(t *testing.T) {
	b := New(nil)

	var drops []string
	b.OnDrop = func(id string) { drops = append(drops, id) }

	sub, ch := b.Chan("cache", nil, 1)
	b.PublishTick(tick("T1"))
	b.PublishTick(tick("T2"))

	if len(ch) != 1 {
		t.Fatalf("buffered: got %d, want 1", len(ch))
	}
	if ev := <-ch; ev.Tick.Token != "T1" {
		t.Errorf("first event token: got %s", ev.Tick.Token)
	}
	if len(drops) != 1 || drops[0] != sub.ID() {
		t.Errorf("drops: got %v", drops)
	}
}

func TestRegistry_ConcurrentChangesConverge(t *testing.T) {
	snd := &recordingSender{}
	b := New(snd)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s := b.Register(fmt.Sprintf("c%d", i), []string{fmt.Sprintf("T%d", i)}, func(Event) {})
			s.SetInterest([]string{fmt.Sprintf("T%d", i), "COMMON"})
			if i%2 == 0 {
				s.Unregister()
			}
		}(i)
	}
	wg.Wait()

	sends := snd.all()
	last := sends[len(sends)-1]
	if want := strings.Join(b.Union(), ","); last != want {
		t.Errorf("last send %q does not match final union %q", last, want)
	}
	if st := b.Stats(); st.Subscribers != 10 || st.Tokens != 11 {
		t.Errorf("stats: got %+v, want 10 subscribers 11 tokens", st)
	}
}
