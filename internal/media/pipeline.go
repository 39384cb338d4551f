package media

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nuvion/edge-agent/internal/config"
	"github.com/nuvion/edge-agent/internal/health"
	"github.com/nuvion/edge-agent/internal/logging"
)

var log = logging.L("media")

// FrameSink receives each captured RGB frame before the overlay is stamped.
// Implementations must not block and must copy if they keep the pixels; the
// buffer is reused for the next frame.
type FrameSink func(width, height int, rgb []byte)

// Controller owns the live media graph: a capture subprocess producing raw
// RGB frames, the Go frame pump that taps frames for inference and stamps
// the overlay, an encode subprocess producing H.264 for the RTP and segment
// branches, and the RTP relay. Subprocess death is fatal and surfaces on
// Fatal().
type Controller struct {
	cfg       *config.Config
	sink      FrameSink
	relay     *Relay
	healthMon *health.Monitor

	overlayText atomic.Value // string

	capture     *exec.Cmd
	encode      *exec.Cmd
	captureExit chan struct{}
	encodeExit  chan struct{}
	frames      io.ReadCloser
	encIn       io.WriteCloser

	fatal    chan error
	done     chan struct{}
	stopOnce sync.Once
}

// NewController wires the controller. sink may be nil when no inference
// backend is configured. The relay is created here so the encoder graph can
// target its loopback port.
func NewController(cfg *config.Config, sink FrameSink, healthMon *health.Monitor) (*Controller, error) {
	relay, err := NewRelay(ChooseSSRC(cfg), "nuvion-"+cfg.DeviceUsername)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:       cfg,
		sink:      sink,
		relay:     relay,
		healthMon: healthMon,
		fatal:     make(chan error, 2),
		done:      make(chan struct{}),
	}
	c.overlayText.Store("")
	return c, nil
}

// Relay exposes the egress relay for endpoint configuration and readback.
func (c *Controller) Relay() *Relay { return c.relay }

// Fatal delivers the first unrecoverable pipeline error.
func (c *Controller) Fatal() <-chan error { return c.fatal }

// UpdateOverlay replaces the text stamped onto outgoing frames. Safe from
// any goroutine.
func (c *Controller) UpdateOverlay(text string) {
	c.overlayText.Store(text)
}

// ConfigureRTPSink points the RTP branch at a new destination.
func (c *Controller) ConfigureRTPSink(ep Endpoint) error {
	return c.relay.Configure(ep)
}

// Start launches both subprocesses and the frame pump.
func (c *Controller) Start() error {
	if c.cfg.ClipEnabled {
		for _, dir := range []string{c.cfg.SegmentsDir(), c.cfg.ClipsDir()} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create clip directory: %w", err)
			}
		}
	}

	captureArgs := c.captureArgs()
	encodeArgs := c.encodeArgs()
	log.Info("starting capture pipeline", "description", strings.Join(captureArgs, " "))
	log.Info("starting encode pipeline", "description", strings.Join(encodeArgs, " "))

	capture := exec.Command("gst-launch-1.0", captureArgs...)
	capture.Stderr = os.Stderr
	frames, err := capture.StdoutPipe()
	if err != nil {
		return fmt.Errorf("capture stdout: %w", err)
	}

	encode := exec.Command("gst-launch-1.0", encodeArgs...)
	encode.Stderr = os.Stderr
	encIn, err := encode.StdinPipe()
	if err != nil {
		return fmt.Errorf("encode stdin: %w", err)
	}

	if err := capture.Start(); err != nil {
		return fmt.Errorf("start capture pipeline: %w", err)
	}
	if err := encode.Start(); err != nil {
		capture.Process.Kill()
		capture.Wait()
		return fmt.Errorf("start encode pipeline: %w", err)
	}

	c.capture = capture
	c.encode = encode
	c.captureExit = make(chan struct{})
	c.encodeExit = make(chan struct{})
	c.frames = frames
	c.encIn = encIn

	go c.relay.Run()
	go c.pump()
	go c.watch("capture", capture, c.captureExit)
	go c.watch("encode", encode, c.encodeExit)

	c.setHealth(health.Healthy, "")
	log.Info("media pipeline running",
		"width", c.cfg.VideoWidth, "height", c.cfg.VideoHeight, "fps", c.cfg.VideoFPS,
		"ssrc", c.relay.SSRC(), "ingestPort", c.relay.IngestPort())
	return nil
}

// Stop interrupts both subprocesses, waits for them and closes the relay.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)

		if c.encIn != nil {
			c.encIn.Close()
		}
		procs := []struct {
			cmd    *exec.Cmd
			exited chan struct{}
		}{
			{c.capture, c.captureExit},
			{c.encode, c.encodeExit},
		}
		for _, p := range procs {
			if p.cmd != nil && p.cmd.Process != nil {
				p.cmd.Process.Signal(syscall.SIGINT)
			}
		}
		for _, p := range procs {
			if p.cmd == nil || p.cmd.Process == nil {
				continue
			}
			select {
			case <-p.exited:
			case <-time.After(5 * time.Second):
				p.cmd.Process.Kill()
				<-p.exited
			}
		}

		c.relay.Close()
		log.Info("media pipeline stopped")
	})
}

// pump moves raw frames from the capture process to the encoder, offering
// each one to the inference sink before the overlay is stamped.
func (c *Controller) pump() {
	w, h := c.cfg.VideoWidth, c.cfg.VideoHeight
	frameSize := w * h * 3
	buf := make([]byte, frameSize)

	for {
		if _, err := io.ReadFull(c.frames, buf); err != nil {
			c.fail(fmt.Errorf("read frame: %w", err))
			return
		}

		if c.sink != nil {
			c.sink(w, h, buf)
		}

		if text, _ := c.overlayText.Load().(string); text != "" {
			stampOverlay(buf, w, h, text)
		}

		if _, err := c.encIn.Write(buf); err != nil {
			c.fail(fmt.Errorf("write frame to encoder: %w", err))
			return
		}
	}
}

// watch reports subprocess exit as fatal unless the controller is stopping.
func (c *Controller) watch(name string, cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	close(exited)
	c.fail(fmt.Errorf("%s pipeline exited: %w", name, orExited(err)))
}

func (c *Controller) fail(err error) {
	select {
	case <-c.done:
		return
	default:
	}
	c.setHealth(health.Unhealthy, err.Error())
	select {
	case c.fatal <- err:
	default:
	}
}

func (c *Controller) setHealth(status health.Status, msg string) {
	if c.healthMon != nil {
		c.healthMon.Update("media", status, msg)
	}
}

// captureArgs builds the source half of the graph: camera to raw RGB frames
// on stdout.
func (c *Controller) captureArgs() []string {
	source := SourceElement(c.cfg.VideoSource, c.cfg.GstSourceOverride)
	args := []string{"-q"}
	args = append(args, strings.Fields(source)...)
	args = append(args,
		"!", fmt.Sprintf("video/x-raw,width=%d,height=%d,framerate=%d/1",
			c.cfg.VideoWidth, c.cfg.VideoHeight, c.cfg.VideoFPS),
		"!", "videoconvert",
		"!", "video/x-raw,format=RGB",
		"!", "fdsink", "fd=1",
	)
	return args
}

// encodeArgs builds the encode half: raw RGB frames on stdin to an H.264
// tee feeding the RTP branch (via the relay's loopback port) and, when clips
// are enabled, the rolling splitmuxsink segment ring.
func (c *Controller) encodeArgs() []string {
	cfg := c.cfg
	args := []string{
		"-q",
		"fdsrc", "fd=0",
		"!", fmt.Sprintf("videoparse format=rgb width=%d height=%d framerate=%d/1",
			cfg.VideoWidth, cfg.VideoHeight, cfg.VideoFPS),
		"!", "videoconvert",
		"!", "video/x-raw,format=I420",
		"!", "x264enc", "tune=zerolatency", "speed-preset=faster",
		"bitrate=8000", "vbv-buf-capacity=12000", "key-int-max=30",
		"bframes=0", "threads=4", "sliced-threads=true", "pass=cbr",
		"!", fmt.Sprintf("video/x-h264,profile=%s", cfg.H264Profile),
		"!", "tee", "name=enc_t",
		"enc_t.", "!", "queue",
		"!", "rtph264pay", "name=rtp_pay", "config-interval=1", "pt=96", "mtu=1200",
		fmt.Sprintf("ssrc=%d", c.relay.SSRC()),
		"!", "udpsink", "name=rtp_sink", "host=127.0.0.1",
		fmt.Sprintf("port=%d", c.relay.IngestPort()),
		"async=false", "sync=false",
	}

	if cfg.ClipEnabled {
		args = append(args,
			"enc_t.", "!", "queue",
			"!", "h264parse", "config-interval=1",
			"!", "splitmuxsink", "name=clip_sink", "muxer=mp4mux",
			fmt.Sprintf("max-size-time=%d", int64(cfg.ClipSegmentSec*float64(time.Second))),
			fmt.Sprintf("max-files=%d", cfg.ClipMaxSegments),
			fmt.Sprintf("location=%s", filepath.Join(cfg.SegmentsDir(), "segment_%05d.mp4")),
		)
	}
	return args
}

func orExited(err error) error {
	if err == nil {
		return fmt.Errorf("exit status 0")
	}
	return err
}
