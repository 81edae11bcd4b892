package notification

import (
	"testing"

	"github.com/exchange-core/matching-core/internal/storage/record"
	"github.com/exchange-core/matching-core/pkg/types"
)

func tradeEvent(instr types.InstrumentID) Event {
	return Event{Record: record.Record{Kind: record.KindTradeExecuted, InstrumentID: instr}}
}

func TestSubscribeInstrumentFiltersByInstrumentAndKind(t *testing.T) {
	bus := New(nil)
	sub := bus.SubscribeInstrument("IF2603", []record.Kind{record.KindTradeExecuted}, 4, DropOldest)
	defer sub.Unsubscribe()

	bus.Publish(tradeEvent("IF2603"))
	bus.Publish(tradeEvent("IF2609")) // different instrument, should not arrive
	bus.Publish(Event{Record: record.Record{Kind: record.KindOrderInsert, InstrumentID: "IF2603"}})

	select {
	case ev := <-sub.Chan:
		if ev.Record.InstrumentID != "IF2603" || ev.Record.Kind != record.KindTradeExecuted {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected one matching event")
	}

	select {
	case ev := <-sub.Chan:
		t.Fatalf("unexpected second event: %+v", ev)
	default:
	}
}

func TestSubscribeAccountMatchesOnlyOwner(t *testing.T) {
	bus := New(nil)
	sub := bus.SubscribeAccount("acct-1", 4, DropOldest)
	defer sub.Unsubscribe()

	bus.Publish(Event{Record: record.Record{Kind: record.KindOrderUpdate}, Account: "acct-1"})
	bus.Publish(Event{Record: record.Record{Kind: record.KindOrderUpdate}, Account: "acct-2"})

	select {
	case ev := <-sub.Chan:
		if ev.Account != "acct-1" {
			t.Fatalf("Account = %s, want acct-1", ev.Account)
		}
	default:
		t.Fatal("expected one event for acct-1")
	}
	select {
	case ev := <-sub.Chan:
		t.Fatalf("unexpected event for other account: %+v", ev)
	default:
	}
}

func TestPublishDropOldestEvictsEarliest(t *testing.T) {
	bus := New(nil)
	sub := bus.SubscribeAll(2, DropOldest)
	defer sub.Unsubscribe()

	bus.Publish(tradeEvent("A"))
	bus.Publish(tradeEvent("B"))
	bus.Publish(tradeEvent("C")) // queue full at 2; should drop "A", keep B,C

	var got []types.InstrumentID
	for i := 0; i < 2; i++ {
		ev := <-sub.Chan
		got = append(got, ev.Record.InstrumentID)
	}
	if got[0] != "B" || got[1] != "C" {
		t.Fatalf("got %v, want [B C]", got)
	}
}

func TestPublishDropNewKeepsEarliest(t *testing.T) {
	bus := New(nil)
	sub := bus.SubscribeAll(2, DropNew)
	defer sub.Unsubscribe()

	bus.Publish(tradeEvent("A"))
	bus.Publish(tradeEvent("B"))
	bus.Publish(tradeEvent("C")) // queue full at 2; should drop "C"

	var got []types.InstrumentID
	for i := 0; i < 2; i++ {
		ev := <-sub.Chan
		got = append(got, ev.Record.InstrumentID)
	}
	if got[0] != "A" || got[1] != "B" {
		t.Fatalf("got %v, want [A B]", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := New(nil)
	sub := bus.SubscribeAll(1, DropOldest)
	sub.Unsubscribe()

	_, ok := <-sub.Chan
	if ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}
}
