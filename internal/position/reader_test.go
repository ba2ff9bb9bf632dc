package position

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/goleak"

	"github.com/jdai/vault-engine/internal/ledger"
	"github.com/jdai/vault-engine/internal/model"
)

const alice = "0xa11ce00000000000000000000000000000000001"

func newLedger() *ledger.Memory {
	m := ledger.NewMemory(ledger.Contracts{
		Ledger:            "0x00000000000000000000000000000000000000aa",
		CollateralAdapter: "0x00000000000000000000000000000000000000bb",
		DebtAdapter:       "0x00000000000000000000000000000000000000cc",
		Token:             "0x00000000000000000000000000000000000000dd",
	})
	m.SetOracle(d("0.5"), d("1"), d("1.5"))
	return m
}

type fixedFeed struct{ price decimal.Decimal }

func (f fixedFeed) MarketPrice(context.Context) (decimal.Decimal, error) { return f.price, nil }

func TestReader_Refresh(t *testing.T) {
	l := newLedger()
	l.SetUrn(alice, ledger.Urn{Collateral: d("1000"), NormalizedDebt: d("200")})
	l.SetInternalBalances(alice, d("5"), d("7"))
	l.Fund(alice, d("42"), d("3"))

	// A market price far above the oracle must not move any safety metric.
	r := NewReader(l, "PLS-A", d("1.6"), fixedFeed{price: d("10")})
	snap, err := r.Refresh(context.Background(), alice)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if !snap.System.ReferencePrice.Equal(d("0.5")) {
		t.Errorf("expected reference price 0.5, got %s", snap.System.ReferencePrice)
	}
	if !snap.Position.HealthRatio.Value.Equal(d("2.5")) {
		t.Errorf("expected health 2.5, got %s", snap.Position.HealthRatio)
	}
	if !snap.Position.MaxWithdrawable.Equal(d("360")) {
		t.Errorf("expected max withdrawal 360, got %s", snap.Position.MaxWithdrawable)
	}
	if !snap.System.MarketPrice.Valid || !snap.System.MarketPrice.Decimal.Equal(d("10")) {
		t.Errorf("expected informational market price, got %+v", snap.System.MarketPrice)
	}
	if !snap.Holdings.Collateral.Equal(d("5")) || !snap.Holdings.Debt.Equal(d("7")) {
		t.Errorf("unexpected holdings %+v", snap.Holdings)
	}
	if !snap.Wallet.Native.Equal(d("42")) || !snap.Wallet.Token.Equal(d("3")) {
		t.Errorf("unexpected wallet %+v", snap.Wallet)
	}
}

func TestReader_ZeroSpotIsUnknown(t *testing.T) {
	l := newLedger()
	l.SetOracle(decimal.Zero, d("1"), d("1.5"))

	r := NewReader(l, "PLS-A", d("1.6"), fixedFeed{price: d("0.5")})
	if _, err := r.Refresh(context.Background(), alice); !errors.Is(err, ErrOracleUnavailable) {
		t.Fatalf("expected ErrOracleUnavailable, got %v", err)
	}
}

func TestReader_ReadFailure(t *testing.T) {
	l := newLedger()
	l.FailReads(errors.New("dial tcp: connection refused"))

	r := NewReader(l, "PLS-A", d("1.6"), nil)
	snap, err := r.Refresh(context.Background(), alice)
	if !ledger.IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if snap != nil {
		t.Error("failed refresh must not return numbers")
	}
}

func TestPoller_UnknownViewAfterFailure(t *testing.T) {
	l := newLedger()
	var mu sync.Mutex
	var published []model.PositionView
	p := NewPoller(NewReader(l, "PLS-A", d("1.6"), nil), time.Minute, func(v model.PositionView) {
		mu.Lock()
		published = append(published, v)
		mu.Unlock()
	})

	if v := p.Refresh(context.Background(), alice); v.State != model.ViewOK || v.Snapshot == nil {
		t.Fatalf("expected ok view, got %+v", v)
	}
	if _, ok := p.View(alice); ok {
		t.Fatal("an untracked address should not be retained")
	}

	p.Track(alice)

	l.FailReads(errors.New("timeout"))
	v := p.Refresh(context.Background(), alice)
	if v.State != model.ViewUnknown || v.Snapshot != nil || v.Error == "" {
		t.Errorf("expected unknown view without snapshot, got %+v", v)
	}
	stored, ok := p.View(alice)
	if !ok || stored.State != model.ViewUnknown {
		t.Errorf("stored view should be unknown, got %+v", stored)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(published) != 2 {
		t.Errorf("expected 2 published views, got %d", len(published))
	}

	p.Untrack(alice)
	if _, ok := p.View(alice); ok || len(p.Tracked()) != 0 {
		t.Error("untrack should forget the address and its view")
	}
}

func TestPoller_RunStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	l := newLedger()
	refreshed := make(chan model.PositionView, 16)
	p := NewPoller(NewReader(l, "PLS-A", d("1.6"), nil), 5*time.Millisecond, func(v model.PositionView) {
		select {
		case refreshed <- v:
		default:
		}
	})
	p.Track(alice)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	select {
	case v := <-refreshed:
		if v.Address != alice {
			t.Errorf("unexpected address %s", v.Address)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poller never refreshed")
	}
	cancel()
	<-done
}
