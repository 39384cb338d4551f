package inference

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nuvion/edge-agent/internal/config"
)

type sentMessage struct {
	destination string
	payload     any
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []sentMessage
	reject bool
}

func (s *fakeSender) Enqueue(destination string, payload any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return false
	}
	s.sent = append(s.sent, sentMessage{destination, payload})
	return true
}

func (s *fakeSender) alerts() []anomalyAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []anomalyAlert
	for _, m := range s.sent {
		if m.destination == anomalyDestination {
			out = append(out, m.payload.(anomalyAlert))
		}
	}
	return out
}

func (s *fakeSender) productionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.sent {
		if m.destination == productionDestination {
			n++
		}
	}
	return n
}

type fakeClips struct {
	object string
	calls  atomic.Int32
}

func (c *fakeClips) Start() string {
	c.calls.Add(1)
	return c.object
}

// fakeClock advances only when the test says so.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestDispatcher(mutate func(*config.Config)) (*Dispatcher, *fakeSender, *fakeClock) {
	cfg := config.Default()
	cfg.ZSADBackend = BackendSiglip
	cfg.ZeroShotAnomalyLabels = []string{"defect"}
	cfg.ZeroShotThreshold = 0.7
	cfg.ZeroShotSampleIntervalSec = 1.0
	cfg.AnomalyMinIntervalSec = 5.0
	if mutate != nil {
		mutate(cfg)
	}

	sender := &fakeSender{}
	clock := newFakeClock()
	d := NewDispatcher(cfg, nil, sender, nil, nil, nil)
	d.now = clock.now
	return d, sender, clock
}

func TestOfferSamplingGateDoesNotAdvanceOnReject(t *testing.T) {
	d, _, clock := newTestDispatcher(func(cfg *config.Config) {
		cfg.ZeroShotSampleIntervalSec = 2.0
	})
	rgb := make([]byte, 4*4*3)

	d.Offer(4, 4, rgb)
	if len(d.frames) != 1 {
		t.Fatal("first offer rejected")
	}
	<-d.frames

	clock.advance(1900 * time.Millisecond)
	d.Offer(4, 4, rgb)
	if len(d.frames) != 0 {
		t.Fatal("offer inside the sampling interval accepted")
	}

	// 2.1s after the accepted sample. If the rejected offer had advanced the
	// sampling clock, this one would still be inside the interval.
	clock.advance(200 * time.Millisecond)
	d.Offer(4, 4, rgb)
	if len(d.frames) != 1 {
		t.Fatal("offer after the sampling interval rejected")
	}
}

func TestOfferDropsWhenWorkerBusy(t *testing.T) {
	d, _, clock := newTestDispatcher(func(cfg *config.Config) {
		cfg.ZeroShotSampleIntervalSec = 0
	})
	rgb := make([]byte, 4*4*3)

	d.Offer(4, 4, rgb)
	before := d.lastSampleNano.Load()

	clock.advance(time.Second)
	d.Offer(4, 4, rgb)
	if len(d.frames) != 1 {
		t.Fatal("queue depth exceeded 1")
	}
	if d.lastSampleNano.Load() != before {
		t.Error("dropped offer advanced the sampling clock")
	}
}

func TestOfferNoneBackendIsInert(t *testing.T) {
	d, _, _ := newTestDispatcher(func(cfg *config.Config) {
		cfg.ZSADBackend = BackendNone
	})
	d.Offer(4, 4, make([]byte, 4*4*3))
	if len(d.frames) != 0 {
		t.Fatal("none backend accepted a frame")
	}
}

func TestOfferCopiesPixels(t *testing.T) {
	d, _, _ := newTestDispatcher(nil)
	rgb := make([]byte, 4*4*3)
	rgb[0] = 0xaa
	d.Offer(4, 4, rgb)

	rgb[0] = 0x11
	frame := <-d.frames
	if frame.Pixels[0] != 0xaa {
		t.Error("frame shares the caller's buffer")
	}
}

func TestFirstNormalSuppressed(t *testing.T) {
	d, sender, _ := newTestDispatcher(nil)

	d.sendStatus(StatusNormal, "normal", "Recovered to normal: normal (0.90)", severityInfo)
	if len(sender.alerts()) != 0 {
		t.Fatal("first NORMAL was emitted")
	}

	d.sendStatus(StatusDefect, "defect", "Zero-shot anomaly: defect (0.90)", severityWarning)
	d.sendStatus(StatusNormal, "normal", "Recovered to normal: normal (0.90)", severityInfo)

	alerts := sender.alerts()
	if len(alerts) != 2 {
		t.Fatalf("got %d alerts, want DEFECT then NORMAL", len(alerts))
	}
	if alerts[0].AnomalyStatus != StatusDefect || alerts[1].AnomalyStatus != StatusNormal {
		t.Errorf("alert order = %s, %s", alerts[0].AnomalyStatus, alerts[1].AnomalyStatus)
	}
}

func TestRepeatDefectDebounce(t *testing.T) {
	d, sender, clock := newTestDispatcher(nil)

	// 10 DEFECTs over ~1s: exactly one emission.
	for i := 0; i < 10; i++ {
		d.sendStatus(StatusDefect, "defect", "Zero-shot anomaly: defect (0.90)", severityWarning)
		clock.advance(100 * time.Millisecond)
	}
	if got := len(sender.alerts()); got != 1 {
		t.Fatalf("got %d alerts within the debounce window, want 1", got)
	}

	// 5s after the first emission the repeat goes through.
	clock.advance(4 * time.Second)
	d.sendStatus(StatusDefect, "defect", "Zero-shot anomaly: defect (0.90)", severityWarning)
	if got := len(sender.alerts()); got != 2 {
		t.Fatalf("got %d alerts after the interval elapsed, want 2", got)
	}
}

func TestRecoveryTransitions(t *testing.T) {
	d, sender, clock := newTestDispatcher(nil)

	d.sendStatus(StatusDefect, "defect", "m", severityWarning)
	clock.advance(time.Second)
	d.sendStatus(StatusNormal, "normal", "m", severityInfo)
	clock.advance(time.Second)
	d.sendStatus(StatusNormal, "normal", "m", severityInfo)
	clock.advance(time.Second)
	d.sendStatus(StatusDefect, "defect", "m", severityWarning)

	alerts := sender.alerts()
	want := []string{StatusDefect, StatusNormal, StatusDefect}
	if len(alerts) != len(want) {
		t.Fatalf("got %d alerts, want %d", len(alerts), len(want))
	}
	for i, w := range want {
		if alerts[i].AnomalyStatus != w {
			t.Errorf("alert %d = %s, want %s", i, alerts[i].AnomalyStatus, w)
		}
	}
}

func TestClipStartedOnDefectChangeOnly(t *testing.T) {
	d, sender, clock := newTestDispatcher(nil)
	clips := &fakeClips{object: "obj-1"}
	d.clips = clips

	d.sendStatus(StatusDefect, "defect", "m", severityWarning)
	clock.advance(6 * time.Second)
	d.sendStatus(StatusDefect, "defect", "m", severityWarning)

	alerts := sender.alerts()
	if len(alerts) != 2 {
		t.Fatalf("got %d alerts", len(alerts))
	}
	if alerts[0].ClipObject == nil || *alerts[0].ClipObject != "obj-1" {
		t.Errorf("first DEFECT clipObject = %v", alerts[0].ClipObject)
	}
	if alerts[0].ClipStatus == nil || *alerts[0].ClipStatus != clipStatusUploading {
		t.Errorf("first DEFECT clipStatus = %v", alerts[0].ClipStatus)
	}
	if alerts[1].ClipObject != nil {
		t.Error("repeat DEFECT carried a clipObject")
	}
	if clips.calls.Load() != 1 {
		t.Errorf("clip started %d times, want 1", clips.calls.Load())
	}
}

func TestClipRejectedLeavesAlertWithoutClip(t *testing.T) {
	d, sender, _ := newTestDispatcher(nil)
	d.clips = &fakeClips{object: ""}

	d.sendStatus(StatusDefect, "defect", "m", severityWarning)
	alerts := sender.alerts()
	if len(alerts) != 1 || alerts[0].ClipObject != nil || alerts[0].ClipStatus != nil {
		t.Errorf("alerts = %+v", alerts)
	}
}

func TestEnqueueFailureDoesNotAdvanceDebounce(t *testing.T) {
	d, sender, _ := newTestDispatcher(nil)
	sender.reject = true

	d.sendStatus(StatusDefect, "defect", "m", severityWarning)
	sender.reject = false
	d.sendStatus(StatusDefect, "defect", "m", severityWarning)

	// The failed emission must not have recorded DEFECT as sent, so the
	// second call is still a status change and emits immediately.
	if got := len(sender.alerts()); got != 1 {
		t.Fatalf("got %d alerts, want 1", got)
	}
}

func TestProductionDedup(t *testing.T) {
	d, sender, clock := newTestDispatcher(func(cfg *config.Config) {
		cfg.ProductionLabels = []string{"bottle"}
		cfg.ProductionConfidenceThreshold = 0.5
		cfg.ProductionDedupSec = 3.0
	})

	d.maybeReportProduction("Bottle", 0.8)
	d.maybeReportProduction("bottle", 0.9)
	if got := sender.productionCount(); got != 1 {
		t.Fatalf("got %d production events inside dedup window, want 1", got)
	}

	clock.advance(3 * time.Second)
	d.maybeReportProduction("bottle", 0.9)
	if got := sender.productionCount(); got != 2 {
		t.Fatalf("got %d production events after dedup window, want 2", got)
	}

	d.maybeReportProduction("crate", 0.9) // unknown label
	clock.advance(5 * time.Second)
	d.maybeReportProduction("bottle", 0.1) // below threshold
	if got := sender.productionCount(); got != 2 {
		t.Fatalf("got %d production events, want 2", got)
	}
}

func TestProcessAnomalyRules(t *testing.T) {
	t.Run("siglip label and threshold", func(t *testing.T) {
		d, sender, _ := newTestDispatcher(nil)
		d.classifier = ClassifierFunc(func(ctx context.Context, f *Frame) (*Result, error) {
			return &Result{Label: "defect", Score: 0.9}, nil
		})
		d.process(context.Background(), &Frame{Width: 4, Height: 4, Pixels: make([]byte, 48)})

		alerts := sender.alerts()
		if len(alerts) != 1 || alerts[0].AnomalyStatus != StatusDefect {
			t.Fatalf("alerts = %+v", alerts)
		}
		if alerts[0].Message != "Zero-shot anomaly: defect (0.90)" {
			t.Errorf("message = %q", alerts[0].Message)
		}
		if alerts[0].Severity != severityWarning {
			t.Errorf("severity = %q", alerts[0].Severity)
		}
	})

	t.Run("siglip non-anomaly label stays normal", func(t *testing.T) {
		d, sender, _ := newTestDispatcher(nil)
		d.classifier = ClassifierFunc(func(ctx context.Context, f *Frame) (*Result, error) {
			return &Result{Label: "normal", Score: 0.99}, nil
		})
		d.process(context.Background(), &Frame{Width: 4, Height: 4, Pixels: make([]byte, 48)})
		if len(sender.alerts()) != 0 {
			t.Fatal("high-score non-anomaly label produced an alert")
		}
	})

	t.Run("triton score threshold", func(t *testing.T) {
		d, sender, _ := newTestDispatcher(func(cfg *config.Config) {
			cfg.ZSADBackend = BackendTriton
			cfg.TritonThreshold = 0.7
		})
		d.classifier = ClassifierFunc(func(ctx context.Context, f *Frame) (*Result, error) {
			return &Result{Label: "ANOMALY", Score: 0.75}, nil
		})
		d.process(context.Background(), &Frame{Width: 4, Height: 4, Pixels: make([]byte, 48)})

		alerts := sender.alerts()
		if len(alerts) != 1 || alerts[0].Message != "Triton anomaly score=0.75" {
			t.Fatalf("alerts = %+v", alerts)
		}
	})
}

func TestOverlayCallbackText(t *testing.T) {
	d, _, _ := newTestDispatcher(nil)
	var got string
	d.overlay = func(s string) { got = s }
	d.classifier = ClassifierFunc(func(ctx context.Context, f *Frame) (*Result, error) {
		return &Result{Label: "defect", Score: 0.87}, nil
	})
	d.process(context.Background(), &Frame{Width: 4, Height: 4, Pixels: make([]byte, 48)})

	if got != "DEFECT defect 0.87" {
		t.Errorf("overlay = %q", got)
	}
}

func TestClassifierErrorEmitsNothing(t *testing.T) {
	d, sender, _ := newTestDispatcher(nil)
	d.classifier = ClassifierFunc(func(ctx context.Context, f *Frame) (*Result, error) {
		return nil, context.DeadlineExceeded
	})
	d.process(context.Background(), &Frame{Width: 4, Height: 4, Pixels: make([]byte, 48)})
	if len(sender.alerts()) != 0 {
		t.Fatal("classifier failure produced an alert")
	}
}

func TestSingleClassificationInFlight(t *testing.T) {
	d, _, clock := newTestDispatcher(func(cfg *config.Config) {
		cfg.ZeroShotSampleIntervalSec = 0
	})

	var inFlight, peak atomic.Int32
	d.classifier = ClassifierFunc(func(ctx context.Context, f *Frame) (*Result, error) {
		n := inFlight.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return &Result{Label: "normal", Score: 0.5}, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	workerDone := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(workerDone)
	}()

	rgb := make([]byte, 4*4*3)
	for i := 0; i < 50; i++ {
		d.Offer(4, 4, rgb)
		clock.advance(time.Millisecond)
		time.Sleep(time.Millisecond)
	}

	cancel()
	<-workerDone
	if peak.Load() > 1 {
		t.Fatalf("observed %d concurrent classifications", peak.Load())
	}
}
