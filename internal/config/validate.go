package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

var validBackends = map[string]bool{
	"siglip": true,
	"triton": true,
	"none":   true,
}

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// Validate checks the config for invalid values and returns all errors found.
// Dangerous zero-values that would break the runtime are clamped to safe
// defaults. Other validation errors are logged as warnings but do not prevent
// startup.
func (c *Config) Validate() []error {
	var errs []error

	if c.ServerBaseURL != "" {
		u, err := url.Parse(c.ServerBaseURL)
		if err != nil {
			errs = append(errs, fmt.Errorf("server_base_url %q is not a valid URL: %w", c.ServerBaseURL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("server_base_url scheme must be http or https, got %q", u.Scheme))
		}
	}

	backend := strings.ToLower(c.ZSADBackend)
	if !validBackends[backend] {
		errs = append(errs, fmt.Errorf("zsad_backend %q is not valid (use siglip, triton or none), disabling inference", c.ZSADBackend))
		c.ZSADBackend = "none"
	} else {
		c.ZSADBackend = backend
	}

	if c.ZeroShotSampleIntervalSec < 0 {
		errs = append(errs, fmt.Errorf("zero_shot_sample_interval_sec %g is negative, clamping to 0", c.ZeroShotSampleIntervalSec))
		c.ZeroShotSampleIntervalSec = 0
	}

	if c.VideoWidth < 1 || c.VideoHeight < 1 {
		errs = append(errs, fmt.Errorf("video dimensions %dx%d invalid, clamping to 640x480", c.VideoWidth, c.VideoHeight))
		c.VideoWidth = 640
		c.VideoHeight = 480
	}
	if c.VideoFPS < 1 {
		errs = append(errs, fmt.Errorf("video_fps %d is below minimum 1, clamping", c.VideoFPS))
		c.VideoFPS = 1
	}

	if c.ClipSegmentSec <= 0 {
		errs = append(errs, fmt.Errorf("clip_segment_sec %g must be positive, clamping to 1", c.ClipSegmentSec))
		c.ClipSegmentSec = 1
	}
	if c.ClipMaxSegments < 1 {
		errs = append(errs, fmt.Errorf("clip_max_segments %d is below minimum 1, clamping", c.ClipMaxSegments))
		c.ClipMaxSegments = 1
	}

	if c.OutboundQueueMax < 1 {
		errs = append(errs, fmt.Errorf("outbound_queue_max %d is below minimum 1, clamping", c.OutboundQueueMax))
		c.OutboundQueueMax = 1
	} else if c.OutboundQueueMax > 10000 {
		errs = append(errs, fmt.Errorf("outbound_queue_max %d exceeds maximum 10000, clamping", c.OutboundQueueMax))
		c.OutboundQueueMax = 10000
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}

	return errs
}
