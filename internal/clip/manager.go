package clip

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nuvion/edge-agent/internal/api"
	"github.com/nuvion/edge-agent/internal/config"
	"github.com/nuvion/edge-agent/internal/logging"
	"github.com/nuvion/edge-agent/internal/workerpool"
)

var log = logging.L("clip")

// ffmpeg fallback locations checked after the config override and PATH.
var ffmpegFallbacks = []string{
	"/opt/homebrew/bin/ffmpeg",
	"/usr/local/bin/ffmpeg",
	"/usr/bin/ffmpeg",
	"/bin/ffmpeg",
}

// Uploader is the slice of the API client the clip subsystem needs.
type Uploader interface {
	RequestUploadURL(ctx context.Context, contentType string) *api.UploadTarget
	UploadFile(ctx context.Context, uploadURL, path, contentType string) bool
	UpdateClipStatus(ctx context.Context, objectName, status string)
}

// Manager assembles pre/post-roll clips from the rolling segment ring and
// uploads them. At most one capture runs at a time; triggers inside the
// cooldown window are rejected. The capture itself runs on a single-worker,
// single-slot pool so excess submissions fail fast instead of queueing.
type Manager struct {
	cfg  *config.Config
	api  Uploader
	pool *workerpool.Pool

	mu          sync.Mutex
	inProgress  bool
	lastStarted time.Time

	ffmpegOnce sync.Once
	ffmpegPath string

	// injectable for tests
	now   func() time.Time
	sleep func(time.Duration)
}

func NewManager(cfg *config.Config, uploader Uploader) *Manager {
	return &Manager{
		cfg:   cfg,
		api:   uploader,
		pool:  workerpool.New(1, 1),
		now:   time.Now,
		sleep: time.Sleep,
	}
}

// Start triggers a clip capture and returns the upload object name, or ""
// when clips are disabled, a capture is already running, the cooldown has
// not elapsed, or no upload URL could be obtained. Called synchronously from
// the inference dispatcher; only the upload-URL request blocks.
func (m *Manager) Start() string {
	if !m.cfg.ClipEnabled {
		return ""
	}

	now := m.now()
	m.mu.Lock()
	if m.inProgress {
		m.mu.Unlock()
		return ""
	}
	if now.Sub(m.lastStarted) < time.Duration(m.cfg.ClipCooldownSec*float64(time.Second)) {
		m.mu.Unlock()
		return ""
	}
	m.inProgress = true
	m.lastStarted = now
	m.mu.Unlock()

	target := m.api.RequestUploadURL(context.Background(), m.cfg.ClipContentType)
	if target == nil {
		m.clearInProgress()
		return ""
	}

	if !m.pool.Submit("clip-capture", func() {
		m.captureAndUpload(target, now)
	}) {
		log.Warn("clip worker rejected capture", logging.KeyObjectName, target.ObjectName)
		m.clearInProgress()
		return ""
	}

	log.Info("clip capture started", logging.KeyObjectName, target.ObjectName)
	return target.ObjectName
}

// Stop drains the pool so an in-flight capture can finish.
func (m *Manager) Stop(ctx context.Context) {
	m.pool.StopAccepting()
	m.pool.Drain(ctx)
}

func (m *Manager) captureAndUpload(target *api.UploadTarget, detectedAt time.Time) {
	defer m.clearInProgress()
	ctx := context.Background()

	clipPath := m.buildClip(detectedAt)
	if clipPath == "" {
		m.api.UpdateClipStatus(ctx, target.ObjectName, api.ClipStatusFailed)
		return
	}
	defer os.Remove(clipPath)

	status := api.ClipStatusFailed
	if m.api.UploadFile(ctx, target.UploadURL, clipPath, m.cfg.ClipContentType) {
		status = api.ClipStatusReady
	}
	m.api.UpdateClipStatus(ctx, target.ObjectName, status)
	log.Info("clip finished", logging.KeyObjectName, target.ObjectName, "status", status)
}

// buildClip selects pre-roll segments, waits for the post-roll to
// materialize, selects post-roll segments and concatenates the union with
// stream copy. Returns "" when nothing could be assembled.
func (m *Manager) buildClip(detectedAt time.Time) string {
	ffmpeg := m.resolveFFmpeg()
	if ffmpeg == "" {
		log.Warn("ffmpeg not found, skipping clip")
		return ""
	}

	preCount := segmentCount(m.cfg.ClipPreSec, m.cfg.ClipSegmentSec)
	postCount := segmentCount(m.cfg.ClipPostSec, m.cfg.ClipSegmentSec)

	pre := m.collectBefore(detectedAt, preCount)
	m.sleep(time.Duration((m.cfg.ClipPostSec + m.cfg.ClipSegmentSec) * float64(time.Second)))
	post := m.collectAfter(detectedAt, postCount)

	segments := pre
	for _, s := range post {
		if !slices.Contains(segments, s) {
			segments = append(segments, s)
		}
	}
	if len(segments) == 0 {
		log.Warn("no segments available for clip")
		return ""
	}

	ts := detectedAt.Unix()
	listFile := filepath.Join(m.cfg.ClipsDir(), fmt.Sprintf("concat_%d.txt", ts))
	outputPath := filepath.Join(m.cfg.ClipsDir(), fmt.Sprintf("clip_%d.mp4", ts))

	var manifest strings.Builder
	for _, seg := range segments {
		fmt.Fprintf(&manifest, "file '%s'\n", seg)
	}
	if err := os.WriteFile(listFile, []byte(manifest.String()), 0o644); err != nil {
		log.Warn("write concat manifest failed", logging.KeyError, err)
		return ""
	}
	defer os.Remove(listFile)

	cmd := exec.Command(ffmpeg, "-y", "-f", "concat", "-safe", "0", "-i", listFile, "-c", "copy", outputPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		log.Warn("ffmpeg failed", logging.KeyError, err, "output", tail(string(out), 500))
		return ""
	}
	return outputPath
}

// listSegments returns finished segments ordered by mtime. The most recent
// file is still being written by the muxer and is always excluded.
func (m *Manager) listSegments() []segmentFile {
	matches, err := filepath.Glob(filepath.Join(m.cfg.SegmentsDir(), "segment_*.mp4"))
	if err != nil {
		return nil
	}

	segments := make([]segmentFile, 0, len(matches))
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		segments = append(segments, segmentFile{path: path, mtime: info.ModTime()})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].mtime.Before(segments[j].mtime) })

	if len(segments) > 1 {
		segments = segments[:len(segments)-1]
	}
	return segments
}

// collectBefore returns the trailing count segments finished at or before
// the cutoff.
func (m *Manager) collectBefore(cutoff time.Time, count int) []string {
	var out []string
	for _, s := range m.listSegments() {
		if !s.mtime.After(cutoff) {
			out = append(out, s.path)
		}
	}
	if len(out) > count {
		out = out[len(out)-count:]
	}
	return out
}

// collectAfter returns the leading count segments finished at or after the
// cutoff.
func (m *Manager) collectAfter(cutoff time.Time, count int) []string {
	var out []string
	for _, s := range m.listSegments() {
		if !s.mtime.Before(cutoff) {
			out = append(out, s.path)
		}
	}
	if len(out) > count {
		out = out[:count]
	}
	return out
}

// resolveFFmpeg picks the muxer binary: config override, then PATH, then
// the fixed fallback locations. Resolved once, logged once.
func (m *Manager) resolveFFmpeg() string {
	m.ffmpegOnce.Do(func() {
		if m.cfg.FFmpegPath != "" {
			m.ffmpegPath = m.cfg.FFmpegPath
			log.Info("using configured ffmpeg", "path", m.ffmpegPath)
			return
		}
		if path, err := exec.LookPath("ffmpeg"); err == nil {
			m.ffmpegPath = path
			log.Info("found ffmpeg on PATH", "path", path)
			return
		}
		for _, path := range ffmpegFallbacks {
			if _, err := os.Stat(path); err == nil {
				m.ffmpegPath = path
				log.Info("using fallback ffmpeg", "path", path)
				return
			}
		}
		log.Warn("ffmpeg not found in config, PATH or fallback locations")
	})
	return m.ffmpegPath
}

func (m *Manager) clearInProgress() {
	m.mu.Lock()
	m.inProgress = false
	m.mu.Unlock()
}

type segmentFile struct {
	path  string
	mtime time.Time
}

func segmentCount(rollSec, segmentSec float64) int {
	if segmentSec <= 0 {
		return 1
	}
	n := int(math.Ceil(rollSec / segmentSec))
	if n < 1 {
		n = 1
	}
	return n
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
