package media

// Endpoint is the resolved RTP destination for the current broadcast.
type Endpoint struct {
	Host        string
	Port        int
	PayloadType uint8
	RTCPPort    int
	RTCPMux     bool
}

// EndpointSpec carries the destination fields of an RTP_ENDPOINT_READY
// command. Direct fields win; any left nil fall back to the SDP body.
type EndpointSpec struct {
	IP          *string `json:"ip"`
	Port        *int    `json:"port"`
	PayloadType *uint8  `json:"payloadType"`
	RTCPPort    *int    `json:"rtcpPort"`
	RTCPMux     *bool   `json:"rtcpMux"`
	Comedia     *bool   `json:"comedia"`
	SDP         string  `json:"sdp"`
}

// ResolveEndpoint combines the advertised fields, the SDP fallback, the
// configured override IP and the signaling host into a concrete destination.
// overrideIP always wins; a wildcard 0.0.0.0 destination is replaced by the
// signaling host, which is where the media server actually lives.
func ResolveEndpoint(spec *EndpointSpec, overrideIP, serverHost string) Endpoint {
	sdpAddr, sdpPort, sdpPT := defaultRTPAddr, defaultRTPPort, uint8(defaultRTPPT)
	if spec.SDP != "" {
		sdpAddr, sdpPort, sdpPT = ParseSDP(spec.SDP)
	}

	ep := Endpoint{Host: sdpAddr, Port: sdpPort, PayloadType: sdpPT}
	if spec.IP != nil && *spec.IP != "" {
		ep.Host = *spec.IP
	}
	if spec.Port != nil && *spec.Port > 0 {
		ep.Port = *spec.Port
	}
	if spec.PayloadType != nil {
		ep.PayloadType = *spec.PayloadType
	}

	switch {
	case overrideIP != "":
		ep.Host = overrideIP
	case ep.Host == "" || ep.Host == defaultRTPAddr:
		ep.Host = serverHost
	}

	if spec.RTCPMux != nil {
		ep.RTCPMux = *spec.RTCPMux
	}
	switch {
	case spec.RTCPPort != nil && *spec.RTCPPort > 0:
		ep.RTCPPort = *spec.RTCPPort
	case ep.RTCPMux:
		ep.RTCPPort = ep.Port
	default:
		ep.RTCPPort = ep.Port + 1
	}

	return ep
}
