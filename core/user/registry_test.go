package user

import (
	"errors"
	"testing"
)

func testLimits() Limits {
	return Limits{MaxBytes: 1024, MaxFds: 2, MaxPeers: 2, MaxNames: 2, MaxMatches: 2}
}

func TestRegistry_RefSharesEntry(t *testing.T) {
	r := NewRegistry(testLimits())

	a, err := r.Ref(1000)
	if err != nil {
		t.Fatalf("ref: %v", err)
	}
	b, err := r.Ref(1000)
	if err != nil {
		t.Fatalf("ref: %v", err)
	}
	if a != b {
		t.Errorf("same uid must share one entry")
	}
	if a.Uid() != 1000 {
		t.Errorf("expected uid 1000, got %d", a.Uid())
	}

	other, err := r.Ref(1001)
	if err != nil {
		t.Fatalf("ref: %v", err)
	}
	if other == a {
		t.Errorf("distinct uids must not share an entry")
	}

	a.Unref()
	b.Unref()
	other.Unref()
	r.Close()
}

func TestRegistry_EntryReclaimedOnLastUnref(t *testing.T) {
	r := NewRegistry(testLimits())

	a, _ := r.Ref(1000)
	a.Unref()

	// Last reference gone: a fresh Ref builds a fresh entry with a clean
	// budget.
	b, _ := r.Ref(1000)
	if err := b.ChargeBytes(1024); err != nil {
		t.Errorf("fresh entry should have full budget: %v", err)
	}
	b.RefundBytes(1024)
	b.Unref()
	r.Close()
}

func TestEntry_ByteQuota(t *testing.T) {
	r := NewRegistry(testLimits())
	e, _ := r.Ref(1000)
	defer func() {
		e.Unref()
		r.Close()
	}()

	if err := e.ChargeBytes(1000); err != nil {
		t.Fatalf("charge within budget: %v", err)
	}
	err := e.ChargeBytes(100)
	if !errors.Is(err, ErrQuota) {
		t.Fatalf("expected ErrQuota, got %v", err)
	}
	e.RefundBytes(1000)
	if err := e.ChargeBytes(100); err != nil {
		t.Errorf("charge after refund: %v", err)
	}
	e.RefundBytes(100)
}

func TestEntry_FdQuota(t *testing.T) {
	r := NewRegistry(testLimits())
	e, _ := r.Ref(1000)
	defer func() {
		e.Unref()
		r.Close()
	}()

	if err := e.ChargeFd(); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if err := e.ChargeFd(); err != nil {
		t.Fatalf("charge: %v", err)
	}
	if err := e.ChargeFd(); !errors.Is(err, ErrQuota) {
		t.Fatalf("expected ErrQuota, got %v", err)
	}
	e.RefundFd()
	e.RefundFd()
}

func TestRegistry_CloseWithLiveRefsPanics(t *testing.T) {
	r := NewRegistry(testLimits())
	e, _ := r.Ref(1000)
	_ = e

	defer func() {
		if recover() == nil {
			t.Errorf("close with live refs must panic")
		}
	}()
	r.Close()
}

func TestEntry_OverRefundPanics(t *testing.T) {
	r := NewRegistry(testLimits())
	e, _ := r.Ref(1000)
	defer func() {
		if recover() == nil {
			t.Errorf("refund exceeding charge must panic")
		}
		e.Unref()
		r.Close()
	}()
	e.RefundBytes(1)
}
