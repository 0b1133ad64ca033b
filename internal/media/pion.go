package media

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

// PionConfig sizes the worker pool and partitions the UDP port range across
// workers.
type PionConfig struct {
	PublicIP      string
	UDPMin        uint16
	UDPMax        uint16
	NumWorkers    int
	ICEServerURLs []string
}

// NewPionWorkers builds one webrtc.API per worker, each with its own slice of
// the ephemeral UDP port range.
func NewPionWorkers(cfg PionConfig, logger *logrus.Logger) ([]Worker, error) {
	if cfg.NumWorkers < 1 {
		cfg.NumWorkers = 1
	}
	if cfg.UDPMax <= cfg.UDPMin {
		return nil, fmt.Errorf("invalid udp port range %d-%d", cfg.UDPMin, cfg.UDPMax)
	}

	publicIP := resolvePublicIP(cfg.PublicIP, logger)

	span := int(cfg.UDPMax-cfg.UDPMin) / cfg.NumWorkers
	if span < 2 {
		return nil, fmt.Errorf("udp port range %d-%d too small for %d workers", cfg.UDPMin, cfg.UDPMax, cfg.NumWorkers)
	}

	workers := make([]Worker, 0, cfg.NumWorkers)
	for i := 0; i < cfg.NumWorkers; i++ {
		min := cfg.UDPMin + uint16(i*span)
		max := min + uint16(span) - 1

		se := webrtc.SettingEngine{}
		se.SetEphemeralUDPPortRange(min, max)
		if publicIP != "" {
			se.SetNAT1To1IPs([]string{publicIP}, webrtc.ICECandidateTypeHost)
		}

		me := &webrtc.MediaEngine{}
		if err := me.RegisterDefaultCodecs(); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}

		api := webrtc.NewAPI(
			webrtc.WithSettingEngine(se),
			webrtc.WithMediaEngine(me),
		)

		workers = append(workers, &pionWorker{
			api:        api,
			iceServers: cfg.ICEServerURLs,
			logger:     logger,
		})
		logger.WithFields(logrus.Fields{"worker": i, "udpMin": min, "udpMax": max}).Info("media worker ready")
	}
	return workers, nil
}

func resolvePublicIP(raw string, logger *logrus.Logger) string {
	if raw == "" {
		return ""
	}
	if ip := net.ParseIP(raw); ip != nil {
		return raw
	}
	addrs, err := net.LookupHost(raw)
	if err != nil || len(addrs) == 0 {
		logger.Warnf("PUBLIC_IP=%q is not a valid IP and could not be resolved, NAT1To1 disabled", raw)
		return ""
	}
	return addrs[0]
}

type pionWorker struct {
	api        *webrtc.API
	iceServers []string
	logger     *logrus.Logger
}

func (w *pionWorker) CreateRouter() (Router, error) {
	caps := webrtc.RTPCapabilities{
		Codecs: []webrtc.RTPCodecCapability{
			{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		},
	}
	rtpCaps, err := json.Marshal(caps)
	if err != nil {
		return nil, fmt.Errorf("marshal rtp capabilities: %w", err)
	}
	return &pionRouter{
		worker:     w,
		rtpCaps:    rtpCaps,
		transports: make(map[string]*pionTransport),
	}, nil
}

type pionRouter struct {
	worker     *pionWorker
	rtpCaps    json.RawMessage
	mu         sync.Mutex
	transports map[string]*pionTransport
	closed     atomic.Bool
}

func (r *pionRouter) RTPCapabilities() json.RawMessage {
	return r.rtpCaps
}

func (r *pionRouter) CreateTransport() (Transport, error) {
	if r.closed.Load() {
		return nil, fmt.Errorf("router closed")
	}
	api := r.worker.api

	iceServers := make([]webrtc.ICEServer, 0, len(r.worker.iceServers))
	for _, u := range r.worker.iceServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
	}

	gatherer, err := api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("create ice gatherer: %w", err)
	}

	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		return nil, fmt.Errorf("create dtls transport: %w", err)
	}

	gatherFinished := make(chan struct{})
	gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			close(gatherFinished)
		}
	})
	if err := gatherer.Gather(); err != nil {
		return nil, fmt.Errorf("gather: %w", err)
	}
	<-gatherFinished

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		return nil, fmt.Errorf("get ice parameters: %w", err)
	}
	iceCandidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		return nil, fmt.Errorf("get ice candidates: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		return nil, fmt.Errorf("get dtls parameters: %w", err)
	}

	iceParamsJSON, _ := json.Marshal(iceParams)
	iceCandidatesJSON, _ := json.Marshal(iceCandidates)
	dtlsParamsJSON, _ := json.Marshal(dtlsParams)

	t := &pionTransport{
		id:     uuid.New().String(),
		router: r,
		info: TransportInfo{
			ICEParameters:      iceParamsJSON,
			ICECandidates:      iceCandidatesJSON,
			DTLSParameters:     dtlsParamsJSON,
			ICEServers:         r.worker.iceServers,
			ICETransportPolicy: "all",
		},
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
	}
	t.info.ID = t.id

	r.mu.Lock()
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

func (r *pionRouter) Close() {
	if !r.closed.CompareAndSwap(false, true) {
		return
	}
	r.mu.Lock()
	transports := make([]*pionTransport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.transports = make(map[string]*pionTransport)
	r.mu.Unlock()

	for _, t := range transports {
		t.Close()
	}
}

func (r *pionRouter) removeTransport(id string) {
	r.mu.Lock()
	delete(r.transports, id)
	r.mu.Unlock()
}

// connectParameters is what clients send to complete the transport handshake.
// DTLS parameters are required; ICE parameters/candidates ride along in the
// same payload.
type connectParameters struct {
	ICEParameters  *webrtc.ICEParameters  `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidate  `json:"iceCandidates"`
	DTLSParameters *webrtc.DTLSParameters `json:"dtlsParameters"`
}

type pionTransport struct {
	id       string
	router   *pionRouter
	info     TransportInfo
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	mu        sync.Mutex
	connected bool
	closed    bool
	producers []*pionProducer
	consumers []*pionConsumer
}

func (t *pionTransport) ID() string          { return t.id }
func (t *pionTransport) Info() TransportInfo { return t.info }

func (t *pionTransport) Connect(raw json.RawMessage) error {
	var params connectParameters
	if err := json.Unmarshal(raw, &params); err != nil {
		return fmt.Errorf("parse connect parameters: %w", err)
	}
	if params.DTLSParameters == nil {
		return fmt.Errorf("missing dtlsParameters")
	}
	if params.ICEParameters == nil {
		return fmt.Errorf("missing iceParameters")
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return fmt.Errorf("transport closed")
	}
	if t.connected {
		t.mu.Unlock()
		return fmt.Errorf("transport already connected")
	}
	t.connected = true
	t.mu.Unlock()

	if err := t.ice.SetRemoteCandidates(params.ICECandidates); err != nil {
		return fmt.Errorf("set remote candidates: %w", err)
	}
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(nil, *params.ICEParameters, &role); err != nil {
		return fmt.Errorf("start ice: %w", err)
	}
	if err := t.dtls.Start(*params.DTLSParameters); err != nil {
		return fmt.Errorf("start dtls: %w", err)
	}
	return nil
}

func (t *pionTransport) Produce(kind Kind, rtpParameters json.RawMessage) (Producer, error) {
	codecType, codecCap, err := codecFor(kind)
	if err != nil {
		return nil, err
	}

	var params struct {
		Encodings []webrtc.RTPCodingParameters `json:"encodings"`
	}
	if err := json.Unmarshal(rtpParameters, &params); err != nil {
		return nil, fmt.Errorf("parse rtp parameters: %w", err)
	}
	if len(params.Encodings) == 0 {
		return nil, fmt.Errorf("rtp parameters carry no encodings")
	}

	receiver, err := t.router.worker.api.NewRTPReceiver(codecType, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("create rtp receiver: %w", err)
	}

	recvParams := webrtc.RTPReceiveParameters{}
	for _, enc := range params.Encodings {
		recvParams.Encodings = append(recvParams.Encodings, webrtc.RTPDecodingParameters{
			RTPCodingParameters: enc,
		})
	}
	if err := receiver.Receive(recvParams); err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}

	id := uuid.New().String()
	local, err := webrtc.NewTrackLocalStaticRTP(codecCap,
		fmt.Sprintf("%s-%s", kind, id),
		fmt.Sprintf("stream-%s", id),
	)
	if err != nil {
		receiver.Stop()
		return nil, fmt.Errorf("create local track: %w", err)
	}

	p := &pionProducer{
		id:       id,
		kind:     kind,
		receiver: receiver,
		local:    local,
		logger:   t.router.worker.logger,
	}
	go p.forward()

	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()
	return p, nil
}

func (t *pionTransport) Consume(producer Producer, rtpCapabilities json.RawMessage) (Consumer, error) {
	p, ok := producer.(*pionProducer)
	if !ok {
		return nil, fmt.Errorf("producer was not created by this engine")
	}

	sender, err := t.router.worker.api.NewRTPSender(p.local, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("create rtp sender: %w", err)
	}
	sendParams := sender.GetParameters()
	if err := sender.Send(sendParams); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}

	rtpParams, err := json.Marshal(sendParams)
	if err != nil {
		sender.Stop()
		return nil, fmt.Errorf("marshal rtp parameters: %w", err)
	}

	c := &pionConsumer{
		id:         uuid.New().String(),
		producerID: p.id,
		kind:       p.kind,
		rtpParams:  rtpParams,
		sender:     sender,
	}

	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()
	return c, nil
}

func (t *pionTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	producers := t.producers
	consumers := t.consumers
	t.producers = nil
	t.consumers = nil
	t.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	for _, p := range producers {
		p.Close()
	}
	t.dtls.Stop()
	t.ice.Stop()
	t.gatherer.Close()
	t.router.removeTransport(t.id)
}

func codecFor(kind Kind) (webrtc.RTPCodecType, webrtc.RTPCodecCapability, error) {
	switch kind {
	case KindAudio:
		return webrtc.RTPCodecTypeAudio,
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, nil
	case KindVideo:
		return webrtc.RTPCodecTypeVideo,
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, nil
	default:
		return 0, webrtc.RTPCodecCapability{}, fmt.Errorf("unknown media kind %q", kind)
	}
}

type pionProducer struct {
	id       string
	kind     Kind
	receiver *webrtc.RTPReceiver
	local    *webrtc.TrackLocalStaticRTP
	paused   atomic.Bool
	closed   atomic.Bool
	logger   *logrus.Logger
}

func (p *pionProducer) ID() string   { return p.id }
func (p *pionProducer) Kind() Kind   { return p.kind }

func (p *pionProducer) SetPaused(paused bool) {
	p.paused.Store(paused)
}

func (p *pionProducer) Close() {
	if p.closed.CompareAndSwap(false, true) {
		p.receiver.Stop()
	}
}

// forward copies RTP from the remote track into the local fan-out track,
// dropping packets while paused.
func (p *pionProducer) forward() {
	track := p.receiver.Track()
	if track == nil {
		return
	}
	buf := make([]byte, 1500)
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		if p.paused.Load() || p.closed.Load() {
			continue
		}
		if _, err := p.local.Write(buf[:n]); err != nil {
			p.logger.WithField("producerId", p.id).Debugf("forward write: %v", err)
			return
		}
	}
}

type pionConsumer struct {
	id         string
	producerID string
	kind       Kind
	rtpParams  json.RawMessage
	sender     *webrtc.RTPSender
	closed     atomic.Bool
}

func (c *pionConsumer) ID() string                    { return c.id }
func (c *pionConsumer) ProducerID() string            { return c.producerID }
func (c *pionConsumer) Kind() Kind                    { return c.kind }
func (c *pionConsumer) RTPParameters() json.RawMessage { return c.rtpParams }

func (c *pionConsumer) Close() {
	if c.closed.CompareAndSwap(false, true) {
		c.sender.Stop()
	}
}
