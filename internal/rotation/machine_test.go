package rotation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaybridge/relaybridge/internal/config"
)

type fakeCatalog struct {
	mu      sync.Mutex
	indices []int
}

func (f *fakeCatalog) List() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.indices))
	copy(out, f.indices)
	return out
}

type fakeActivator struct {
	activations   atomic.Int64
	deactivations atomic.Int64
	activated     atomic.Int64
	failWith      error
	block         chan struct{} // when non-nil, Activate waits on it
}

func (f *fakeActivator) Activate(ctx context.Context, index int) error {
	if f.block != nil {
		<-f.block
	}
	f.activations.Add(1)
	if f.failWith != nil {
		return f.failWith
	}
	f.activated.Store(int64(index))
	return nil
}

func (f *fakeActivator) Deactivate(ctx context.Context) {
	f.deactivations.Add(1)
}

func newTestMachine(catalog *fakeCatalog, activator *fakeActivator, cfg config.RotationConfig) *Machine {
	return NewMachine(catalog, activator, cfg, slog.Default())
}

func TestStartActivatesFirstAccount(t *testing.T) {
	activator := &fakeActivator{}
	m := newTestMachine(&fakeCatalog{indices: []int{2, 5, 9}}, activator, config.RotationConfig{Threshold: 3})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if m.ActiveIndex() != 2 {
		t.Errorf("ActiveIndex() = %d, want 2", m.ActiveIndex())
	}
	if activator.activations.Load() != 1 {
		t.Errorf("activations = %d, want 1", activator.activations.Load())
	}
}

func TestStartEmptyCatalog(t *testing.T) {
	m := newTestMachine(&fakeCatalog{}, &fakeActivator{}, config.RotationConfig{})
	if err := m.Start(context.Background()); !errors.Is(err, ErrNoAccounts) {
		t.Fatalf("Start() error = %v, want ErrNoAccounts", err)
	}
}

func TestRecordSuccessResetsCounter(t *testing.T) {
	m := newTestMachine(&fakeCatalog{indices: []int{1, 2}}, &fakeActivator{}, config.RotationConfig{Threshold: 10})

	for i := 0; i < 7; i++ {
		m.RecordFailure(context.Background(), 500)
	}
	if m.FailureCount() != 7 {
		t.Fatalf("FailureCount() = %d, want 7", m.FailureCount())
	}

	m.RecordSuccess()
	if m.FailureCount() != 0 {
		t.Errorf("FailureCount() after success = %d, want 0", m.FailureCount())
	}
}

func TestThresholdTriggersRotation(t *testing.T) {
	activator := &fakeActivator{}
	m := newTestMachine(&fakeCatalog{indices: []int{1, 2, 3}}, activator, config.RotationConfig{Threshold: 3})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	m.RecordFailure(context.Background(), 500)
	m.RecordFailure(context.Background(), 500)
	if activator.deactivations.Load() != 0 {
		t.Fatal("rotated before threshold")
	}

	m.RecordFailure(context.Background(), 500)
	if m.ActiveIndex() != 2 {
		t.Errorf("ActiveIndex() = %d, want 2", m.ActiveIndex())
	}
	if m.FailureCount() != 0 {
		t.Errorf("FailureCount() after rotation = %d, want 0", m.FailureCount())
	}
}

func TestImmediateSwitchCodeBypassesThreshold(t *testing.T) {
	activator := &fakeActivator{}
	m := newTestMachine(&fakeCatalog{indices: []int{1, 2}}, activator, config.RotationConfig{
		Threshold:      10,
		ImmediateCodes: []int{401},
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	m.RecordFailure(context.Background(), 401)
	if m.ActiveIndex() != 2 {
		t.Errorf("ActiveIndex() = %d, want 2 after immediate-switch code", m.ActiveIndex())
	}
}

func TestThresholdZeroDisablesCounterRotation(t *testing.T) {
	activator := &fakeActivator{}
	m := newTestMachine(&fakeCatalog{indices: []int{1, 2}}, activator, config.RotationConfig{Threshold: 0})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 20; i++ {
		m.RecordFailure(context.Background(), 500)
	}
	if got := activator.deactivations.Load(); got != 0 {
		t.Errorf("deactivations = %d, want 0 with threshold 0", got)
	}
}

func TestRotateCyclesAndWraps(t *testing.T) {
	activator := &fakeActivator{}
	m := newTestMachine(&fakeCatalog{indices: []int{1, 2, 3}}, activator, config.RotationConfig{})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []int{2, 3, 1, 2}
	for _, w := range want {
		if err := m.Rotate(context.Background()); err != nil {
			t.Fatalf("Rotate() error = %v", err)
		}
		if m.ActiveIndex() != w {
			t.Fatalf("ActiveIndex() = %d, want %d", m.ActiveIndex(), w)
		}
	}
}

func TestRotateMissingCurrentFallsBackToFirst(t *testing.T) {
	catalog := &fakeCatalog{indices: []int{4, 7}}
	activator := &fakeActivator{}
	m := newTestMachine(catalog, activator, config.RotationConfig{})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Active account disappears from the catalog.
	catalog.mu.Lock()
	catalog.indices = []int{7, 9}
	catalog.mu.Unlock()

	if err := m.Rotate(context.Background()); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if m.ActiveIndex() != 7 {
		t.Errorf("ActiveIndex() = %d, want first available 7", m.ActiveIndex())
	}
}

func TestRotateSingleAccountRotatesOntoItself(t *testing.T) {
	m := newTestMachine(&fakeCatalog{indices: []int{5}}, &fakeActivator{}, config.RotationConfig{})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Rotate(context.Background()); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if m.ActiveIndex() != 5 {
		t.Errorf("ActiveIndex() = %d, want 5", m.ActiveIndex())
	}
}

func TestConcurrentRotateActivatesOnce(t *testing.T) {
	activator := &fakeActivator{block: make(chan struct{})}
	m := newTestMachine(&fakeCatalog{indices: []int{1, 2}}, activator, config.RotationConfig{})

	first := make(chan error, 1)
	go func() { first <- m.Rotate(context.Background()) }()

	// Let the first rotation reach the blocked activator, then issue
	// the second: it must observe the in-progress guard and return
	// without side effects.
	time.Sleep(20 * time.Millisecond)
	if err := m.Rotate(context.Background()); err != nil {
		t.Fatalf("second Rotate() error = %v", err)
	}

	close(activator.block)
	if err := <-first; err != nil {
		t.Fatalf("first Rotate() error = %v", err)
	}

	if got := activator.activations.Load(); got != 1 {
		t.Errorf("activations = %d, want exactly 1", got)
	}
}

func TestRotateEmptyCatalog(t *testing.T) {
	catalog := &fakeCatalog{indices: []int{1}}
	m := newTestMachine(catalog, &fakeActivator{}, config.RotationConfig{})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	catalog.mu.Lock()
	catalog.indices = nil
	catalog.mu.Unlock()

	if err := m.Rotate(context.Background()); !errors.Is(err, ErrNoAccounts) {
		t.Errorf("Rotate() error = %v, want ErrNoAccounts", err)
	}
}

func TestRotatePropagatesActivationError(t *testing.T) {
	boom := errors.New("browser launch failed")
	activator := &fakeActivator{failWith: boom}
	m := newTestMachine(&fakeCatalog{indices: []int{1, 2}}, activator, config.RotationConfig{})

	if err := m.Rotate(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Rotate() error = %v, want activation error", err)
	}

	// Guard is cleared: a later rotation may proceed.
	activator.failWith = nil
	if err := m.Rotate(context.Background()); err != nil {
		t.Errorf("Rotate() after failure error = %v", err)
	}
}
