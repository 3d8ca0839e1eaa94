package training

import (
	"math"
	"sync"
	"testing"

	"detrain/comm"
)

func TestLossDictOrderAndTotal(t *testing.T) {
	d := NewLossDict()
	d.Set("loss_classifier", 0.5)
	d.Set("loss_box_reg", 0.25)
	d.Set("loss_objectness", 0.125)

	want := []string{"loss_classifier", "loss_box_reg", "loss_objectness"}
	keys := d.Keys()
	if len(keys) != len(want) {
		t.Fatalf("got %d keys, want %d", len(keys), len(want))
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Errorf("key %d: got %q, want %q", i, keys[i], want[i])
		}
	}
	if got := d.Total(); math.Abs(got-0.875) > 1e-12 {
		t.Errorf("total: got %f, want 0.875", got)
	}
}

func TestLossDictSetOverwriteKeepsOrder(t *testing.T) {
	d := NewLossDict()
	d.Set("a", 1)
	d.Set("b", 2)
	d.Set("a", 3)

	if d.Len() != 2 {
		t.Fatalf("got %d entries, want 2", d.Len())
	}
	if v, _ := d.Get("a"); v != 3 {
		t.Errorf("a: got %f, want 3", v)
	}
	if d.Keys()[0] != "a" {
		t.Errorf("overwrite moved key: %v", d.Keys())
	}
}

func TestReduceLossDictSingleWorkerIsIdentity(t *testing.T) {
	d := NewLossDict()
	d.Set("loss_a", 1.0)
	d.Set("loss_b", 2.0)

	got, err := ReduceLossDict(nil, d)
	if err != nil {
		t.Fatalf("reduce failed: %v", err)
	}
	if got != d {
		t.Error("expected the input dict back unchanged for world size 1")
	}

	single := comm.NewLocalGroup(1)[0]
	got, err = ReduceLossDict(single, d)
	if err != nil {
		t.Fatalf("reduce failed: %v", err)
	}
	if got != d {
		t.Error("expected the input dict back unchanged for a 1-worker group")
	}
}

func TestReduceLossDictAveragesOnCoordinator(t *testing.T) {
	const size = 4
	comms := comm.NewLocalGroup(size)

	// Every rank contributes rank+1 for loss_a and 2*(rank+1) for loss_b.
	results := make([]*LossDict, size)
	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			d := NewLossDict()
			d.Set("loss_a", float64(rank+1))
			d.Set("loss_b", 2*float64(rank+1))
			out, err := ReduceLossDict(comms[rank], d)
			if err != nil {
				t.Errorf("rank %d: %v", rank, err)
				return
			}
			results[rank] = out
		}(rank)
	}
	wg.Wait()

	// Sum over ranks: loss_a = 10, loss_b = 20.
	coord := results[0]
	if coord.PartialSum {
		t.Error("coordinator result must not be tagged PartialSum")
	}
	if v, _ := coord.Get("loss_a"); math.Abs(v-2.5) > 1e-12 {
		t.Errorf("coordinator loss_a: got %f, want 2.5", v)
	}
	if v, _ := coord.Get("loss_b"); math.Abs(v-5.0) > 1e-12 {
		t.Errorf("coordinator loss_b: got %f, want 5.0", v)
	}

	for rank := 1; rank < size; rank++ {
		r := results[rank]
		if !r.PartialSum {
			t.Errorf("rank %d result must be tagged PartialSum", rank)
		}
		if v, _ := r.Get("loss_a"); math.Abs(v-10) > 1e-12 {
			t.Errorf("rank %d loss_a: got %f, want the pre-division sum 10", rank, v)
		}
		if v, _ := r.Get("loss_b"); math.Abs(v-20) > 1e-12 {
			t.Errorf("rank %d loss_b: got %f, want the pre-division sum 20", rank, v)
		}
	}
}

func TestReduceLossDictDoesNotMutateInput(t *testing.T) {
	const size = 2
	comms := comm.NewLocalGroup(size)

	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			d := NewLossDict()
			d.Set("loss_a", 1.0)
			out, err := ReduceLossDict(comms[rank], d)
			if err != nil {
				t.Errorf("rank %d: %v", rank, err)
				return
			}
			if out == d {
				t.Errorf("rank %d: reduce must return a new dict in a multi-worker group", rank)
			}
			if v, _ := d.Get("loss_a"); v != 1.0 {
				t.Errorf("rank %d: input mutated to %f", rank, v)
			}
		}(rank)
	}
	wg.Wait()
}

func TestReduceLossDictPreservesKeys(t *testing.T) {
	const size = 2
	comms := comm.NewLocalGroup(size)

	var wg sync.WaitGroup
	for rank := 0; rank < size; rank++ {
		wg.Add(1)
		go func(rank int) {
			defer wg.Done()
			d := NewLossDict()
			d.Set("loss_objectness", 0.1)
			d.Set("loss_rpn_box_reg", 0.2)
			out, err := ReduceLossDict(comms[rank], d)
			if err != nil {
				t.Errorf("rank %d: %v", rank, err)
				return
			}
			if out.Len() != d.Len() {
				t.Errorf("rank %d: key count changed: %d != %d", rank, out.Len(), d.Len())
				return
			}
			for i, k := range d.Keys() {
				if out.Keys()[i] != k {
					t.Errorf("rank %d: key %d is %q, want %q", rank, i, out.Keys()[i], k)
				}
			}
		}(rank)
	}
	wg.Wait()
}
