package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/nuvion/edge-agent/internal/api"
	"github.com/nuvion/edge-agent/internal/auth"
	"github.com/nuvion/edge-agent/internal/clip"
	"github.com/nuvion/edge-agent/internal/config"
	"github.com/nuvion/edge-agent/internal/health"
	"github.com/nuvion/edge-agent/internal/inference"
	"github.com/nuvion/edge-agent/internal/logging"
	"github.com/nuvion/edge-agent/internal/media"
	"github.com/nuvion/edge-agent/internal/signaling"
)

var log = logging.L("agent")

const (
	commandRTPEndpointReady = "RTP_ENDPOINT_READY"
	broadcastStartDest      = "/app/broadcast/start"
	healthLogInterval       = 60 * time.Second
	drainTimeout            = 30 * time.Second
)

// command is a server control message delivered on the command queue.
type command struct {
	Type        string `json:"type"`
	BroadcastID string `json:"broadcastId"`
	media.EndpointSpec
}

type broadcastStart struct {
	BroadcastID   string              `json:"broadcastId"`
	Kind          string              `json:"kind"`
	RTPParameters media.RTPParameters `json:"rtpParameters"`
}

// Agent owns every long-running component and wires them one way: the
// signaling client hands commands to the agent, the dispatcher calls the
// clip manager and the signaling queue, nothing calls back.
type Agent struct {
	cfg        *config.Config
	serverHost string

	tokens     *auth.Holder
	apiClient  *api.Client
	signaling  *signaling.Client
	clips      *clip.Manager
	dispatcher *inference.Dispatcher
	media      *media.Controller
	healthMon  *health.Monitor
}

// New assembles an agent from the validated configuration.
func New(cfg *config.Config) (*Agent, error) {
	serverURL, err := url.Parse(cfg.ServerBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}

	a := &Agent{
		cfg:        cfg,
		serverHost: serverURL.Hostname(),
		healthMon:  health.NewMonitor(),
	}
	a.tokens = auth.NewHolder(cfg.ServerBaseURL, cfg.DeviceUsername, cfg.DevicePassword)
	a.apiClient = api.New(cfg.ServerBaseURL, a.tokens)
	a.clips = clip.NewManager(cfg, a.apiClient)
	a.signaling = signaling.New(&signaling.Config{
		ServerBaseURL:    cfg.ServerBaseURL,
		OutboundQueueMax: cfg.OutboundQueueMax,
	}, a.tokens, a.handleCommand, a.healthMon)

	classifier, err := buildClassifier(cfg)
	if err != nil {
		return nil, err
	}
	a.dispatcher = inference.NewDispatcher(cfg, classifier, a.signaling, a.clips,
		func(text string) { a.media.UpdateOverlay(text) }, a.healthMon)

	a.media, err = media.NewController(cfg, a.dispatcher.Offer, a.healthMon)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func buildClassifier(cfg *config.Config) (inference.Classifier, error) {
	switch cfg.ZSADBackend {
	case inference.BackendSiglip:
		if cfg.ZeroShotEndpoint == "" {
			return nil, fmt.Errorf("zsad_backend siglip requires zero_shot_endpoint")
		}
		return inference.NewSiglipClassifier(cfg.ZeroShotEndpoint, cfg.ZeroShotLabels), nil
	case inference.BackendTriton:
		return inference.NewTritonClassifier(cfg.TritonURL, cfg.TritonModel,
			cfg.TritonInput, cfg.TritonOutput, cfg.TritonInputWidth, cfg.TritonInputHeight), nil
	default:
		return nil, nil
	}
}

// Run starts every component and blocks until ctx is cancelled or the media
// pipeline dies. Pipeline death is fatal and returned as an error.
func (a *Agent) Run(ctx context.Context) error {
	a.media.UpdateOverlay(inference.DefaultOverlayText(a.cfg.ZSADBackend))
	if err := a.media.Start(); err != nil {
		return fmt.Errorf("start media pipeline: %w", err)
	}

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	go a.signaling.Run()
	go a.dispatcher.Run(workerCtx)

	log.Info("agent running",
		"server", a.cfg.ServerBaseURL,
		"device", a.cfg.DeviceUsername,
		"backend", a.cfg.ZSADBackend,
		"clips", a.cfg.ClipEnabled)

	ticker := time.NewTicker(healthLogInterval)
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-a.media.Fatal():
			runErr = err
			break loop
		case <-ticker.C:
			log.Info("health", "summary", a.healthMon.Summary())
		}
	}

	log.Info("shutting down")
	cancelWorker()
	a.signaling.Stop()
	a.media.Stop()

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	defer cancelDrain()
	a.clips.Stop(drainCtx)

	return runErr
}

// handleCommand runs on the signaling read loop: decode, resolve the RTP
// endpoint, reconfigure the sink and announce the broadcast. All failures
// are logged and dropped so one bad command cannot end the session.
func (a *Agent) handleCommand(body []byte) {
	var cmd command
	if err := json.Unmarshal(body, &cmd); err != nil {
		log.Warn("malformed command, skipping", logging.KeyError, err)
		return
	}
	if cmd.Type != commandRTPEndpointReady {
		log.Debug("ignoring command", "type", cmd.Type)
		return
	}
	if cmd.BroadcastID != "" && cmd.BroadcastID != a.cfg.DeviceUsername {
		log.Debug("command for another broadcast, skipping", "broadcastId", cmd.BroadcastID)
		return
	}

	ep := media.ResolveEndpoint(&cmd.EndpointSpec, a.cfg.RTPRemoteIPOverride, a.serverHost)
	if err := a.media.ConfigureRTPSink(ep); err != nil {
		log.Warn("rtp sink reconfiguration failed", logging.KeyError, err)
		return
	}

	ok := a.signaling.Enqueue(broadcastStartDest, broadcastStart{
		BroadcastID:   a.cfg.DeviceUsername,
		Kind:          "video",
		RTPParameters: media.BuildRTPParameters(a.cfg, ep.PayloadType, a.media.Relay().SSRC()),
	})
	if !ok {
		log.Warn("broadcast start dropped, outbound queue full")
	}
}
