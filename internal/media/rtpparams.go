package media

import (
	"math/rand"

	"github.com/nuvion/edge-agent/internal/config"
)

// RTPParameters describes the device-chosen send parameters announced on
// /app/broadcast/start. The shape mirrors what the media server consumes.
type RTPParameters struct {
	Codecs           []RTPCodec    `json:"codecs"`
	Encodings        []RTPEncoding `json:"encodings"`
	HeaderExtensions []any         `json:"headerExtensions"`
	RTCP             RTCPOptions   `json:"rtcp"`
}

type RTPCodec struct {
	MimeType     string          `json:"mimeType"`
	PayloadType  uint8           `json:"payloadType"`
	ClockRate    int             `json:"clockRate"`
	Parameters   CodecParameters `json:"parameters"`
	RTCPFeedback []RTCPFeedback  `json:"rtcpFeedback"`
}

type CodecParameters struct {
	PacketizationMode     int    `json:"packetization-mode"`
	ProfileLevelID        string `json:"profile-level-id"`
	LevelAsymmetryAllowed int    `json:"level-asymmetry-allowed"`
}

type RTCPFeedback struct {
	Type      string `json:"type"`
	Parameter string `json:"parameter,omitempty"`
}

type RTPEncoding struct {
	SSRC uint32 `json:"ssrc"`
}

type RTCPOptions struct {
	CNAME       string `json:"cname"`
	ReducedSize bool   `json:"reducedSize"`
}

const h264ClockRate = 90000

// BuildRTPParameters assembles the broadcast/start parameter block for the
// negotiated payload type and this device's SSRC.
func BuildRTPParameters(cfg *config.Config, payloadType uint8, ssrc uint32) RTPParameters {
	return RTPParameters{
		Codecs: []RTPCodec{{
			MimeType:    "video/H264",
			PayloadType: payloadType,
			ClockRate:   h264ClockRate,
			Parameters: CodecParameters{
				PacketizationMode:     cfg.H264PacketizationMode,
				ProfileLevelID:        cfg.H264ProfileLevelID,
				LevelAsymmetryAllowed: cfg.H264LevelAsymmetryAllowed,
			},
			RTCPFeedback: []RTCPFeedback{
				{Type: "nack"},
				{Type: "nack", Parameter: "pli"},
				{Type: "ccm", Parameter: "fir"},
				{Type: "goog-remb"},
			},
		}},
		Encodings:        []RTPEncoding{{SSRC: ssrc}},
		HeaderExtensions: []any{},
		RTCP: RTCPOptions{
			CNAME:       "nuvion-" + cfg.DeviceUsername,
			ReducedSize: true,
		},
	}
}

// ChooseSSRC returns the configured SSRC or a random one. The low range is
// avoided so the value never collides with small server-assigned IDs.
func ChooseSSRC(cfg *config.Config) uint32 {
	if cfg.RTPSSRC != 0 {
		return cfg.RTPSSRC
	}
	return uint32(rand.Int63n(1<<32-100000) + 100000)
}
