package media

import (
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

// Endpoint defaults used when the server supplies a partial SDP.
const (
	defaultRTPAddr = "0.0.0.0"
	defaultRTPPort = 5004
	defaultRTPPT   = 96
)

// ParseSDP extracts the RTP destination from a server-supplied SDP: the
// connection address, the first m=video port and the H.264 rtpmap payload
// type. Missing pieces keep their defaults. Non-conforming SDP falls back to
// a line scan so a sloppy media server cannot stall endpoint negotiation.
func ParseSDP(raw string) (addr string, port int, payloadType uint8) {
	addr, port, payloadType = defaultRTPAddr, defaultRTPPort, defaultRTPPT
	if raw == "" {
		return addr, port, payloadType
	}

	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err == nil {
		if desc.ConnectionInformation != nil && desc.ConnectionInformation.Address != nil {
			addr = desc.ConnectionInformation.Address.Address
		}
		for _, m := range desc.MediaDescriptions {
			if m.MediaName.Media != "video" {
				continue
			}
			if m.ConnectionInformation != nil && m.ConnectionInformation.Address != nil {
				addr = m.ConnectionInformation.Address.Address
			}
			if m.MediaName.Port.Value > 0 {
				port = m.MediaName.Port.Value
			}
			if len(m.MediaName.Formats) > 0 {
				if pt, err := strconv.Atoi(m.MediaName.Formats[0]); err == nil {
					payloadType = uint8(pt)
				}
			}
			for _, a := range m.Attributes {
				if a.Key != "rtpmap" || !strings.Contains(strings.ToUpper(a.Value), "H264") {
					continue
				}
				if ptStr, _, ok := strings.Cut(a.Value, " "); ok {
					if pt, err := strconv.Atoi(ptStr); err == nil {
						payloadType = uint8(pt)
					}
				}
			}
			break
		}
		return addr, port, payloadType
	}

	return scanSDP(raw, addr, port, payloadType)
}

// scanSDP is the permissive fallback for SDP bodies pion rejects.
func scanSDP(raw string, addr string, port int, payloadType uint8) (string, int, uint8) {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "c="):
			// c=IN IP4 203.0.113.10
			fields := strings.Fields(line[2:])
			if len(fields) >= 3 {
				addr = fields[2]
			}
		case strings.HasPrefix(line, "m=video"):
			// m=video 40100 RTP/AVP 101
			fields := strings.Fields(line[2:])
			if len(fields) >= 2 {
				if p, err := strconv.Atoi(fields[1]); err == nil {
					port = p
				}
			}
			if len(fields) >= 4 {
				if pt, err := strconv.Atoi(fields[3]); err == nil {
					payloadType = uint8(pt)
				}
			}
		case strings.HasPrefix(line, "a=rtpmap:") && strings.Contains(strings.ToUpper(line), "H264"):
			// a=rtpmap:101 H264/90000
			rest := strings.TrimPrefix(line, "a=rtpmap:")
			if ptStr, _, ok := strings.Cut(rest, " "); ok {
				if pt, err := strconv.Atoi(ptStr); err == nil {
					payloadType = uint8(pt)
				}
			}
		}
	}
	return addr, port, payloadType
}
