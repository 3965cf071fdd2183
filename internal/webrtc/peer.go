package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"sipvideoroom/native/internal/domain"
)

var codecs = []struct {
	kind  pion.RTPCodecType
	codec pion.RTPCodecParameters
}{
	{pion.RTPCodecTypeAudio, pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1"},
		PayloadType:        111,
	}},
	{pion.RTPCodecTypeAudio, pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{MimeType: pion.MimeTypePCMU, ClockRate: 8000, Channels: 1},
		PayloadType:        0,
	}},
	{pion.RTPCodecTypeVideo, pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8, ClockRate: 90000},
		PayloadType:        96,
	}},
	{pion.RTPCodecTypeVideo, pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{MimeType: pion.MimeTypeVP9, ClockRate: 90000, SDPFmtpLine: "profile-id=0"},
		PayloadType:        98,
	}},
	{pion.RTPCodecTypeVideo, pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:    pion.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: 102,
	}},
}

// NewFactory returns a NegotiatorFactory creating one Peer per plugin handle.
func NewFactory(iceServers []string) domain.NegotiatorFactory {
	return func(listen domain.HandleListener) (domain.Negotiator, error) {
		return NewPeer(iceServers, listen)
	}
}

// Peer wraps a Pion PeerConnection for one plugin handle.
type Peer struct {
	pc     *pion.PeerConnection
	listen domain.HandleListener
	stream string

	mu     sync.Mutex
	audio  *pion.TrackLocalStaticSample
	video  *pion.TrackLocalStaticSample
	offerd bool
}

// NewPeer creates a PeerConnection with the codecs the gateway negotiates
// and a NACK interceptor pair.
func NewPeer(iceServers []string, listen domain.HandleListener) (*Peer, error) {
	m := &pion.MediaEngine{}
	for _, c := range codecs {
		if err := m.RegisterCodec(c.codec, c.kind); err != nil {
			return nil, fmt.Errorf("register %s: %w", c.codec.MimeType, err)
		}
	}

	i := &interceptor.Registry{}
	responderFactory, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack responder: %w", err)
	}
	i.Add(responderFactory)
	generatorFactory, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("create nack generator: %w", err)
	}
	i.Add(generatorFactory)

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
	)

	var servers []pion.ICEServer
	for _, s := range iceServers {
		if s == "" {
			continue
		}
		servers = append(servers, pion.ICEServer{URLs: []string{s}})
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	if listen == nil {
		listen = func(domain.HandleEvent) {}
	}
	p := &Peer{
		pc:     pc,
		listen: listen,
		stream: uuid.NewString(),
	}

	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("state", state.String()).Msg("ICE connection state")
		p.listen(domain.HandleEvent{Kind: domain.EventICEState, State: state.String()})
	})
	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		log.Debug().Str("module", "webrtc").Str("state", state.String()).Msg("peer connection state")
	})
	pc.OnTrack(p.onTrack)

	return p, nil
}

func (p *Peer) onTrack(track *pion.TrackRemote, _ *pion.RTPReceiver) {
	codec := track.Codec()
	log.Info().Str("module", "webrtc").
		Str("kind", track.Kind().String()).
		Str("codec", codec.MimeType).
		Msg("got remote track")
	p.listen(domain.HandleEvent{
		Kind:   domain.EventRemoteTrack,
		Medium: track.Kind().String(),
		Codec:  codec.MimeType,
	})

	// Rendering is up to the presentation layer; keep the receiver drained.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
		}
	}()
}

// CreateOffer adds transceivers for the requested media on the first offer,
// creates the offer and returns it once ICE gathering completes.
func (p *Peer) CreateOffer(ctx context.Context, media domain.MediaConstraints) (*domain.JSEP, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.offerd {
		if err := p.addTransceiver(pion.RTPCodecTypeAudio, media.AudioSend, media.AudioRecv, false); err != nil {
			return nil, err
		}
		if err := p.addTransceiver(pion.RTPCodecTypeVideo, media.VideoSend, media.VideoRecv, media.Screen); err != nil {
			return nil, err
		}
		p.offerd = true
	}

	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	return p.setLocal(ctx, offer)
}

// CreateAnswer applies the remote offer, attaches local tracks for the kinds
// we send and returns the answer once ICE gathering completes.
func (p *Peer) CreateAnswer(ctx context.Context, offer *domain.JSEP, media domain.MediaConstraints) (*domain.JSEP, error) {
	if offer == nil {
		return nil, errors.New("no remote offer")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.pc.SetRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return nil, fmt.Errorf("set remote offer: %w", err)
	}
	if media.AudioSend && p.audio == nil {
		if err := p.addTrack(pion.RTPCodecTypeAudio, false); err != nil {
			return nil, err
		}
	}
	if media.VideoSend && p.video == nil {
		if err := p.addTrack(pion.RTPCodecTypeVideo, media.Screen); err != nil {
			return nil, err
		}
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	return p.setLocal(ctx, answer)
}

// SetRemoteDescription applies a remote offer or answer. Re-applying the
// current remote answer is a no-op.
func (p *Peer) SetRemoteDescription(jsep *domain.JSEP) error {
	if jsep == nil {
		return errors.New("no remote description")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	typ := pion.NewSDPType(jsep.Type)
	if typ == pion.SDPTypeAnswer && p.pc.SignalingState() == pion.SignalingStateStable {
		if cur := p.pc.CurrentRemoteDescription(); cur != nil && cur.SDP == jsep.SDP {
			return nil
		}
	}
	if err := p.pc.SetRemoteDescription(pion.SessionDescription{Type: typ, SDP: jsep.SDP}); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	log.Debug().Str("module", "webrtc").Str("type", jsep.Type).Msg("remote description set")
	return nil
}

// Close shuts down the PeerConnection.
func (p *Peer) Close() error {
	return p.pc.Close()
}

func (p *Peer) addTransceiver(kind pion.RTPCodecType, send, recv, screen bool) error {
	switch {
	case send:
		track, err := p.localTrack(kind, screen)
		if err != nil {
			return err
		}
		dir := pion.RTPTransceiverDirectionSendonly
		if recv {
			dir = pion.RTPTransceiverDirectionSendrecv
		}
		if _, err := p.pc.AddTransceiverFromTrack(track, pion.RTPTransceiverInit{Direction: dir}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	case recv:
		if _, err := p.pc.AddTransceiverFromKind(kind, pion.RTPTransceiverInit{
			Direction: pion.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

func (p *Peer) addTrack(kind pion.RTPCodecType, screen bool) error {
	track, err := p.localTrack(kind, screen)
	if err != nil {
		return err
	}
	if _, err := p.pc.AddTrack(track); err != nil {
		return fmt.Errorf("add %s track: %w", kind, err)
	}
	return nil
}

// localTrack returns an idle sample track; callers feed it from a capture source.
func (p *Peer) localTrack(kind pion.RTPCodecType, screen bool) (*pion.TrackLocalStaticSample, error) {
	if kind == pion.RTPCodecTypeAudio {
		if p.audio == nil {
			t, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: pion.MimeTypeOpus}, "audio", p.stream)
			if err != nil {
				return nil, fmt.Errorf("create audio track: %w", err)
			}
			p.audio = t
		}
		return p.audio, nil
	}
	if p.video == nil {
		id := "video"
		if screen {
			id = "screen"
		}
		t, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: pion.MimeTypeVP8}, id, p.stream)
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
		p.video = t
	}
	return p.video, nil
}

func (p *Peer) setLocal(ctx context.Context, desc pion.SessionDescription) (*domain.JSEP, error) {
	gathered := pion.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	local := p.pc.LocalDescription()
	log.Debug().Str("module", "webrtc").Str("type", local.Type.String()).Msg("local description set")
	return &domain.JSEP{Type: local.Type.String(), SDP: local.SDP}, nil
}
