package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

// Config is the immutable option snapshot read once at startup. Values come
// from an optional agent.yaml plus NUVION_*-prefixed environment variables.
type Config struct {
	ServerBaseURL  string `mapstructure:"server_base_url"`
	DeviceUsername string `mapstructure:"device_username"`
	DevicePassword string `mapstructure:"device_password"`

	VideoSource       string `mapstructure:"video_source"`
	GstSourceOverride string `mapstructure:"gst_source_override"`
	VideoWidth        int    `mapstructure:"video_width"`
	VideoHeight       int    `mapstructure:"video_height"`
	VideoFPS          int    `mapstructure:"video_fps"`

	RTPRemoteIPOverride string `mapstructure:"rtp_remote_ip_override"`
	RTPSSRC             uint32 `mapstructure:"rtp_ssrc"`

	H264Profile               string `mapstructure:"h264_profile"`
	H264ProfileLevelID        string `mapstructure:"h264_profile_level_id"`
	H264PacketizationMode     int    `mapstructure:"h264_packetization_mode"`
	H264LevelAsymmetryAllowed int    `mapstructure:"h264_level_asymmetry_allowed"`

	ZSADBackend               string   `mapstructure:"zsad_backend"`
	ZeroShotEndpoint          string   `mapstructure:"zero_shot_endpoint"`
	ZeroShotModel             string   `mapstructure:"zero_shot_model"`
	ZeroShotLabels            []string `mapstructure:"zero_shot_labels"`
	ZeroShotAnomalyLabels     []string `mapstructure:"zero_shot_anomaly_labels"`
	ZeroShotThreshold         float64  `mapstructure:"zero_shot_threshold"`
	ZeroShotSampleIntervalSec float64  `mapstructure:"zero_shot_sample_interval_sec"`

	TritonURL         string  `mapstructure:"triton_url"`
	TritonModel       string  `mapstructure:"triton_model"`
	TritonInput       string  `mapstructure:"triton_input"`
	TritonOutput      string  `mapstructure:"triton_output"`
	TritonInputWidth  int     `mapstructure:"triton_input_width"`
	TritonInputHeight int     `mapstructure:"triton_input_height"`
	TritonThreshold   float64 `mapstructure:"triton_threshold"`

	ProductionLabels              []string `mapstructure:"production_labels"`
	ProductionConfidenceThreshold float64  `mapstructure:"production_confidence_threshold"`
	ProductionDedupSec            float64  `mapstructure:"production_dedup_sec"`
	AnomalyMinIntervalSec         float64  `mapstructure:"anomaly_min_interval_sec"`

	ClipEnabled     bool    `mapstructure:"clip_enabled"`
	ClipPreSec      float64 `mapstructure:"clip_pre_sec"`
	ClipPostSec     float64 `mapstructure:"clip_post_sec"`
	ClipSegmentSec  float64 `mapstructure:"clip_segment_sec"`
	ClipMaxSegments int     `mapstructure:"clip_max_segments"`
	ClipCooldownSec float64 `mapstructure:"clip_cooldown_sec"`
	ClipOutputDir   string  `mapstructure:"clip_output_dir"`
	ClipContentType string  `mapstructure:"clip_content_type"`
	FFmpegPath      string  `mapstructure:"ffmpeg_path"`

	LineID    *int `mapstructure:"line_id"`
	ProcessID *int `mapstructure:"process_id"`

	OutboundQueueMax int `mapstructure:"outbound_queue_max"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

func Default() *Config {
	return &Config{
		ServerBaseURL:  "http://localhost:8080",
		DeviceUsername: "device",
		DevicePassword: "password",

		VideoSource: "/dev/video0",
		VideoWidth:  640,
		VideoHeight: 480,
		VideoFPS:    30,

		H264Profile:               "baseline",
		H264ProfileLevelID:        "64001f",
		H264PacketizationMode:     1,
		H264LevelAsymmetryAllowed: 1,

		ZSADBackend:               "siglip",
		ZeroShotModel:             "google/siglip2-base-patch16-224",
		ZeroShotLabels:            []string{"normal", "defect"},
		ZeroShotAnomalyLabels:     []string{"defect", "broken", "crack", "scratch"},
		ZeroShotThreshold:         0.7,
		ZeroShotSampleIntervalSec: 2.0,

		TritonURL:         "localhost:8000",
		TritonModel:       "zsad",
		TritonInput:       "INPUT__0",
		TritonOutput:      "OUTPUT__0",
		TritonInputWidth:  224,
		TritonInputHeight: 224,
		TritonThreshold:   0.7,

		ProductionConfidenceThreshold: 0.5,
		ProductionDedupSec:            3.0,
		AnomalyMinIntervalSec:         5.0,

		ClipEnabled:     true,
		ClipPreSec:      5.0,
		ClipPostSec:     5.0,
		ClipSegmentSec:  1.0,
		ClipMaxSegments: 30,
		ClipCooldownSec: 10.0,
		ClipOutputDir:   "/tmp/nuvion_clips",
		ClipContentType: "video/mp4",

		OutboundQueueMax: 200,

		LogLevel:  "info",
		LogFormat: "text",
	}
}

func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("agent")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("NUVION")
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults registers every option with viper. AutomaticEnv only consults
// the environment for keys viper already knows, so an unregistered option
// would ignore its NUVION_* variable.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server_base_url", d.ServerBaseURL)
	v.SetDefault("device_username", d.DeviceUsername)
	v.SetDefault("device_password", d.DevicePassword)

	v.SetDefault("video_source", d.VideoSource)
	v.SetDefault("gst_source_override", d.GstSourceOverride)
	v.SetDefault("video_width", d.VideoWidth)
	v.SetDefault("video_height", d.VideoHeight)
	v.SetDefault("video_fps", d.VideoFPS)

	v.SetDefault("rtp_remote_ip_override", d.RTPRemoteIPOverride)
	v.SetDefault("rtp_ssrc", d.RTPSSRC)

	v.SetDefault("h264_profile", d.H264Profile)
	v.SetDefault("h264_profile_level_id", d.H264ProfileLevelID)
	v.SetDefault("h264_packetization_mode", d.H264PacketizationMode)
	v.SetDefault("h264_level_asymmetry_allowed", d.H264LevelAsymmetryAllowed)

	v.SetDefault("zsad_backend", d.ZSADBackend)
	v.SetDefault("zero_shot_endpoint", d.ZeroShotEndpoint)
	v.SetDefault("zero_shot_model", d.ZeroShotModel)
	v.SetDefault("zero_shot_labels", d.ZeroShotLabels)
	v.SetDefault("zero_shot_anomaly_labels", d.ZeroShotAnomalyLabels)
	v.SetDefault("zero_shot_threshold", d.ZeroShotThreshold)
	v.SetDefault("zero_shot_sample_interval_sec", d.ZeroShotSampleIntervalSec)

	v.SetDefault("triton_url", d.TritonURL)
	v.SetDefault("triton_model", d.TritonModel)
	v.SetDefault("triton_input", d.TritonInput)
	v.SetDefault("triton_output", d.TritonOutput)
	v.SetDefault("triton_input_width", d.TritonInputWidth)
	v.SetDefault("triton_input_height", d.TritonInputHeight)
	v.SetDefault("triton_threshold", d.TritonThreshold)

	v.SetDefault("production_labels", d.ProductionLabels)
	v.SetDefault("production_confidence_threshold", d.ProductionConfidenceThreshold)
	v.SetDefault("production_dedup_sec", d.ProductionDedupSec)
	v.SetDefault("anomaly_min_interval_sec", d.AnomalyMinIntervalSec)

	v.SetDefault("clip_enabled", d.ClipEnabled)
	v.SetDefault("clip_pre_sec", d.ClipPreSec)
	v.SetDefault("clip_post_sec", d.ClipPostSec)
	v.SetDefault("clip_segment_sec", d.ClipSegmentSec)
	v.SetDefault("clip_max_segments", d.ClipMaxSegments)
	v.SetDefault("clip_cooldown_sec", d.ClipCooldownSec)
	v.SetDefault("clip_output_dir", d.ClipOutputDir)
	v.SetDefault("clip_content_type", d.ClipContentType)
	v.SetDefault("ffmpeg_path", d.FFmpegPath)

	// No defaults for the optional identifiers; bound so env values land.
	v.BindEnv("line_id")
	v.BindEnv("process_id")

	v.SetDefault("outbound_queue_max", d.OutboundQueueMax)

	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
}

// SegmentsDir returns the directory the splitting muxer writes segments into.
func (c *Config) SegmentsDir() string {
	return filepath.Join(c.ClipOutputDir, "segments")
}

// ClipsDir returns the directory assembled clips are staged in.
func (c *Config) ClipsDir() string {
	return filepath.Join(c.ClipOutputDir, "clips")
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Nuvion")
	case "darwin":
		return "/Library/Application Support/Nuvion"
	default:
		return "/etc/nuvion"
	}
}
