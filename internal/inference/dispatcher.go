package inference

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nuvion/edge-agent/internal/config"
	"github.com/nuvion/edge-agent/internal/health"
	"github.com/nuvion/edge-agent/internal/logging"
)

var log = logging.L("inference")

// Statuses carried in anomaly alerts.
const (
	StatusNormal = "NORMAL"
	StatusDefect = "DEFECT"

	severityInfo    = "INFO"
	severityWarning = "WARNING"

	anomalyDestination    = "/app/device/anomaly"
	productionDestination = "/app/device/production"

	clipStatusUploading = "UPLOADING"
)

// Sender is the outbound side of the signaling client.
type Sender interface {
	Enqueue(destination string, payload any) bool
}

// ClipStarter triggers a clip capture, returning the upload object name or
// "" when no clip was started.
type ClipStarter interface {
	Start() string
}

type anomalyAlert struct {
	AnomalyType    string  `json:"anomalyType"`
	AnomalyStatus  string  `json:"anomalyStatus"`
	Message        string  `json:"message"`
	Severity       string  `json:"severity"`
	LineID         *int    `json:"lineId"`
	ProcessID      *int    `json:"processId"`
	SnapshotObject any     `json:"snapshotObject"`
	ClipObject     *string `json:"clipObject"`
	ClipStatus     *string `json:"clipStatus"`
}

type productionEvent struct {
	Count     int  `json:"count"`
	LineID    *int `json:"lineId"`
	ProcessID *int `json:"processId"`
}

// Dispatcher samples frames at a bounded rate, runs one classification at a
// time, debounces DEFECT/NORMAL transitions and publishes alerts. A single
// worker drains the 1-deep frame channel; Offer never blocks.
type Dispatcher struct {
	cfg        *config.Config
	classifier Classifier
	sender     Sender
	clips      ClipStarter
	overlay    func(string)
	healthMon  *health.Monitor

	backend          string
	anomalyLabels    map[string]bool
	productionLabels map[string]bool

	frames         chan *Frame
	lastSampleNano atomic.Int64

	mu               sync.Mutex
	lastSentStatus   string
	lastSentAt       time.Time
	lastProductionAt time.Time

	now func() time.Time
}

// NewDispatcher wires the dispatcher. clips may be nil when clip capture is
// disabled; overlay may be nil.
func NewDispatcher(cfg *config.Config, classifier Classifier, sender Sender, clips ClipStarter, overlay func(string), healthMon *health.Monitor) *Dispatcher {
	return &Dispatcher{
		cfg:              cfg,
		classifier:       classifier,
		sender:           sender,
		clips:            clips,
		overlay:          overlay,
		healthMon:        healthMon,
		backend:          cfg.ZSADBackend,
		anomalyLabels:    lowerSet(cfg.ZeroShotAnomalyLabels),
		productionLabels: lowerSet(cfg.ProductionLabels),
		frames:           make(chan *Frame, 1),
		now:              time.Now,
	}
}

// Offer hands a captured frame to the dispatcher. Non-blocking and cheap on
// rejection: the pixels are copied only once the sampling gate and the queue
// slot have both been cleared. Rejected offers do not advance the sampling
// clock.
func (d *Dispatcher) Offer(width, height int, rgb []byte) {
	if d.backend == BackendNone {
		return
	}

	now := d.now()
	interval := time.Duration(d.cfg.ZeroShotSampleIntervalSec * float64(time.Second))
	if now.UnixNano()-d.lastSampleNano.Load() < int64(interval) {
		return
	}
	if len(d.frames) == cap(d.frames) {
		return
	}

	frame := &Frame{Width: width, Height: height, Pixels: append([]byte(nil), rgb...)}
	select {
	case d.frames <- frame:
		d.lastSampleNano.Store(now.UnixNano())
	default:
	}
}

// Run is the single inference worker. It exits when ctx is cancelled. With
// backend "none" it returns immediately and the dispatcher stays inert.
func (d *Dispatcher) Run(ctx context.Context) {
	if d.backend == BackendNone {
		log.Info("inference disabled")
		return
	}
	log.Info("inference worker started", "backend", d.backend)

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-d.frames:
			d.process(ctx, frame)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, frame *Frame) {
	result, err := d.classifier.Classify(ctx, frame)
	if err != nil {
		log.Warn("classification failed", logging.KeyError, err)
		d.setHealth(health.Degraded, err.Error())
		return
	}
	if result == nil {
		return
	}
	d.setHealth(health.Healthy, "")

	label := result.Label
	if label == "" {
		label = "ZSAD"
	}
	score := result.Score

	var isAnomaly bool
	switch d.backend {
	case BackendTriton:
		isAnomaly = score >= d.cfg.TritonThreshold
	default:
		isAnomaly = d.anomalyLabels[strings.ToLower(label)] && score >= d.cfg.ZeroShotThreshold
	}

	status := StatusNormal
	if isAnomaly {
		status = StatusDefect
	}

	if d.overlay != nil {
		d.overlay(fmt.Sprintf("%s %s %.2f", status, label, score))
	}

	switch d.backend {
	case BackendTriton:
		if status == StatusDefect {
			d.sendStatus(status, label, fmt.Sprintf("Triton anomaly score=%.2f", score), severityWarning)
		} else {
			d.sendStatus(status, label, fmt.Sprintf("Triton recovered: %s (%.2f)", label, score), severityInfo)
		}
	default:
		if status == StatusDefect {
			d.sendStatus(status, label, fmt.Sprintf("Zero-shot anomaly: %s (%.2f)", label, score), severityWarning)
		} else {
			d.sendStatus(status, label, fmt.Sprintf("Recovered to normal: %s (%.2f)", label, score), severityInfo)
		}
	}

	d.maybeReportProduction(label, score)
}

// sendStatus implements the alert debounce: status changes always emit, a
// repeat DEFECT emits at most once per anomaly_min_interval_sec, everything
// else is suppressed. The very first NORMAL after startup is never sent.
func (d *Dispatcher) sendStatus(status, label, message, severity string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	prev := d.lastSentStatus
	statusChanged := prev == "" || status != prev

	if prev == "" && status == StatusNormal {
		return
	}
	if !statusChanged {
		if status != StatusDefect || now.Sub(d.lastSentAt) < time.Duration(d.cfg.AnomalyMinIntervalSec*float64(time.Second)) {
			return
		}
	}

	var clipObject, clipStatus *string
	if status == StatusDefect && statusChanged && d.clips != nil {
		if object := d.clips.Start(); object != "" {
			uploading := clipStatusUploading
			clipObject = &object
			clipStatus = &uploading
		}
	}

	ok := d.sender.Enqueue(anomalyDestination, anomalyAlert{
		AnomalyType:   label,
		AnomalyStatus: status,
		Message:       message,
		Severity:      severity,
		LineID:        d.cfg.LineID,
		ProcessID:     d.cfg.ProcessID,
		ClipObject:    clipObject,
		ClipStatus:    clipStatus,
	})
	if !ok {
		return
	}

	d.lastSentStatus = status
	d.lastSentAt = now
	if statusChanged {
		log.Info("sent status change", "status", status, "message", message)
	} else {
		log.Info("sent status repeat", "status", status, "message", message)
	}
}

func (d *Dispatcher) maybeReportProduction(label string, score float64) {
	if len(d.productionLabels) == 0 || !d.productionLabels[strings.ToLower(label)] {
		return
	}
	if score < d.cfg.ProductionConfidenceThreshold {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if now.Sub(d.lastProductionAt) < time.Duration(d.cfg.ProductionDedupSec*float64(time.Second)) {
		return
	}
	d.lastProductionAt = now
	d.sender.Enqueue(productionDestination, productionEvent{
		Count:     1,
		LineID:    d.cfg.LineID,
		ProcessID: d.cfg.ProcessID,
	})
}

func (d *Dispatcher) setHealth(status health.Status, msg string) {
	if d.healthMon != nil {
		d.healthMon.Update("inference", status, msg)
	}
}

func lowerSet(labels []string) map[string]bool {
	set := make(map[string]bool, len(labels))
	for _, l := range labels {
		l = strings.ToLower(strings.TrimSpace(l))
		if l != "" {
			set[l] = true
		}
	}
	return set
}
