package media

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/nuvion/edge-agent/internal/logging"
)

const (
	rtcpInterval = 5 * time.Second
	relayMTU     = 1500
)

// Relay is the egress hop between the encoder's loopback udpsink and the
// negotiated destination. It rewrites payload type and SSRC on every packet
// and drops everything until ConfigureRTPSink has been called, so no media
// leaves the host before the server advertises an endpoint. It also sends
// periodic RTCP sender reports with the device cname.
type Relay struct {
	ssrc  uint32
	cname string

	in  *net.UDPConn // loopback listener the encoder targets
	out net.PacketConn

	mu       sync.RWMutex
	dest     *net.UDPAddr
	rtcpDest *net.UDPAddr
	host     string
	port     int
	pt       uint8

	packets   atomic.Uint32
	octets    atomic.Uint32
	lastRTPTS atomic.Uint32

	done     chan struct{}
	stopOnce sync.Once
}

// NewRelay opens the loopback ingest socket and the egress socket.
func NewRelay(ssrc uint32, cname string) (*Relay, error) {
	in, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, fmt.Errorf("listen loopback: %w", err)
	}
	out, err := net.ListenPacket("udp", ":0")
	if err != nil {
		in.Close()
		return nil, fmt.Errorf("open egress socket: %w", err)
	}
	return &Relay{
		ssrc:  ssrc,
		cname: cname,
		in:    in,
		out:   out,
		done:  make(chan struct{}),
	}, nil
}

// IngestPort is the loopback port the encoder's udpsink must target.
func (r *Relay) IngestPort() int {
	return r.in.LocalAddr().(*net.UDPAddr).Port
}

// SSRC is the synchronization source stamped on every forwarded packet.
func (r *Relay) SSRC() uint32 { return r.ssrc }

// Configure points the relay at a new destination. Safe from any goroutine.
func (r *Relay) Configure(ep Endpoint) error {
	dest, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ep.Host, ep.Port))
	if err != nil {
		return fmt.Errorf("resolve rtp destination: %w", err)
	}
	rtcpDest, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", ep.Host, ep.RTCPPort))
	if err != nil {
		return fmt.Errorf("resolve rtcp destination: %w", err)
	}

	r.mu.Lock()
	r.dest = dest
	r.rtcpDest = rtcpDest
	r.host = ep.Host
	r.port = ep.Port
	r.pt = ep.PayloadType
	r.mu.Unlock()

	log.Info("rtp sink configured",
		"host", ep.Host, "port", ep.Port, "payloadType", ep.PayloadType,
		"rtcpPort", ep.RTCPPort, "rtcpMux", ep.RTCPMux)
	return nil
}

// Host returns the configured destination host, "" before configuration.
func (r *Relay) Host() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.host
}

// Port returns the configured destination port, 0 before configuration.
func (r *Relay) Port() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.port
}

// PayloadType returns the payload type stamped on forwarded packets.
func (r *Relay) PayloadType() uint8 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pt
}

// Run pumps packets until Close. It returns only on socket failure or stop.
func (r *Relay) Run() {
	go r.rtcpLoop()

	buf := make([]byte, relayMTU)
	var pkt rtp.Packet
	for {
		n, _, err := r.in.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.done:
			default:
				log.Error("relay read failed", logging.KeyError, err)
			}
			return
		}

		r.mu.RLock()
		dest, pt := r.dest, r.pt
		r.mu.RUnlock()
		if dest == nil {
			continue
		}

		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		pkt.PayloadType = pt
		pkt.SSRC = r.ssrc
		out, err := pkt.Marshal()
		if err != nil {
			continue
		}

		if _, err := r.out.WriteTo(out, dest); err != nil {
			log.Warn("rtp forward failed", logging.KeyError, err)
			continue
		}
		r.packets.Add(1)
		r.octets.Add(uint32(len(pkt.Payload)))
		r.lastRTPTS.Store(pkt.Timestamp)
	}
}

// Close shuts both sockets down and stops the RTCP loop.
func (r *Relay) Close() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.in.Close()
		r.out.Close()
	})
}

func (r *Relay) rtcpLoop() {
	ticker := time.NewTicker(rtcpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.sendReport()
		}
	}
}

// sendReport emits a compound SR+SDES packet so the receiver can map the
// SSRC to the device cname and track send statistics.
func (r *Relay) sendReport() {
	r.mu.RLock()
	dest := r.rtcpDest
	r.mu.RUnlock()
	if dest == nil {
		return
	}

	sr := &rtcp.SenderReport{
		SSRC:        r.ssrc,
		NTPTime:     ntpTime(time.Now()),
		RTPTime:     r.lastRTPTS.Load(),
		PacketCount: r.packets.Load(),
		OctetCount:  r.octets.Load(),
	}
	sdes := &rtcp.SourceDescription{
		Chunks: []rtcp.SourceDescriptionChunk{{
			Source: r.ssrc,
			Items: []rtcp.SourceDescriptionItem{{
				Type: rtcp.SDESCNAME,
				Text: r.cname,
			}},
		}},
	}

	data, err := rtcp.Marshal([]rtcp.Packet{sr, sdes})
	if err != nil {
		return
	}
	if _, err := r.out.WriteTo(data, dest); err != nil {
		log.Warn("rtcp send failed", logging.KeyError, err)
	}
}

// ntpTime converts wall time to the 64-bit NTP format used in sender reports.
func ntpTime(t time.Time) uint64 {
	const ntpEpochOffset = 2208988800 // seconds between 1900 and 1970
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / 1e9
	return secs<<32 | frac
}
