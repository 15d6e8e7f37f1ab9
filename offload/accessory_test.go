package offload

import "testing"

func TestPrioHPNumStoreRejectsRepeatedEnable(t *testing.T) {
	var s PrioHPNumStore
	if err := s.Set(true); err != nil {
		t.Fatalf("first enable: %v", err)
	}
	if err := s.Set(true); err == nil {
		t.Fatal("expected Invalid on enabling an already-enabled knob")
	}
	if !s.Enabled() {
		t.Fatal("knob should still read enabled after the rejected call")
	}
}

func TestPrioHPNumStoreRejectsRepeatedDisable(t *testing.T) {
	var s PrioHPNumStore
	if err := s.Set(false); err == nil {
		t.Fatal("expected Invalid on disabling an already-disabled knob")
	}
	if s.Enabled() {
		t.Fatal("knob should remain disabled")
	}
}

func TestRateStoreReadWithoutOpenReturnsStoredValue(t *testing.T) {
	var s RateStore
	if err := s.Write(42); err != nil {
		t.Fatalf("write: %v", err)
	}
	rate, opened := s.Read()
	if opened {
		t.Fatal("store should report unopened")
	}
	if rate != 42 {
		t.Fatalf("expected the software-side value to be returned anyway, got %d", rate)
	}
}

func TestRateStoreOpenDoesNotChangeStoredValue(t *testing.T) {
	var s RateStore
	s.Write(7)
	s.Open()
	rate, opened := s.Read()
	if !opened {
		t.Fatal("store should report opened")
	}
	if rate != 7 {
		t.Fatalf("expected 7, got %d", rate)
	}
}
