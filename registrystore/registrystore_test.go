package registrystore

import (
	"reflect"
	"sort"
	"testing"

	"github.com/quantrail/hftcore/exchange"
)

// TestSaveLoadRoundTrip matches SPEC_FULL.md §8's C10 property: a
// round-tripped registry (write then read) produces byte-identical
// ExchangeDescriptor sets.
func TestSaveLoadRoundTrip(t *testing.T) {
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	defer store.Close()

	want := exchange.DefaultDescriptors()
	if err := store.Save(want); err != nil {
		t.Fatalf("unexpected save error: %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}

	sort.Slice(want, func(i, j int) bool { return want[i].ID < want[j].ID })
	sort.Slice(got, func(i, j int) bool { return got[i].ID < got[j].ID })

	if len(want) != len(got) {
		t.Fatalf("expected %d descriptors, got %d", len(want), len(got))
	}
	for i := range want {
		w, g := want[i], got[i]
		sort.Slice(w.Ports, func(a, b int) bool { return w.Ports[a] < w.Ports[b] })
		sort.Slice(g.Ports, func(a, b int) bool { return g.Ports[a] < g.Ports[b] })
		if w.ID != g.ID || w.Name != g.Name || w.Protocol != g.Protocol || w.LatencyTargetUs != g.LatencyTargetUs {
			t.Fatalf("descriptor mismatch at %d: want %+v got %+v", i, w, g)
		}
		if !reflect.DeepEqual(w.Ports, g.Ports) {
			t.Fatalf("port set mismatch for exchange %d: want %v got %v", w.ID, w.Ports, g.Ports)
		}
	}
}

func TestSaveReplacesPreviousContent(t *testing.T) {
	store, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	first := []exchange.Descriptor{{ID: 1, Name: "NYSE", Ports: []uint16{4001}, Protocol: exchange.ProtocolAny, LatencyTargetUs: 500}}
	if err := store.Save(first); err != nil {
		t.Fatal(err)
	}

	second := []exchange.Descriptor{{ID: 2, Name: "NASDAQ", Ports: []uint16{4002}, Protocol: exchange.ProtocolAny, LatencyTargetUs: 500}}
	if err := store.Save(second); err != nil {
		t.Fatal(err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != 2 {
		t.Fatalf("expected Save to replace prior content, got %+v", got)
	}
}

func TestLoadEmptyStoreReturnsNoDescriptors(t *testing.T) {
	store, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	got, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no descriptors from an empty store, got %d", len(got))
	}
}
