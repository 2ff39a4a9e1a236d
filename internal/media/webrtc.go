package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	sampleRate  = 48000
	numChannels = 2
)

var opusCodec = webrtc.RTPCodecCapability{
	MimeType:  webrtc.MimeTypeOpus,
	ClockRate: sampleRate,
	Channels:  numChannels,
}

var vp8Codec = webrtc.RTPCodecCapability{
	MimeType:  webrtc.MimeTypeVP8,
	ClockRate: 90000,
}

// Sink receives remote media payloads of an open session.
type Sink func(key string, kind webrtc.RTPCodecType, payload []byte)

// PeerSession opens one pion PeerConnection per key. Offer/answer exchange is
// left to the caller through LocalDescription and SetRemoteDescription.
type PeerSession struct {
	stunServer string
	sink       Sink
	log        *zap.Logger

	mu    sync.Mutex
	peers map[string]*Peer
}

// NewPeerSession returns a session using stunServer for ICE. sink may be nil, in
// which case remote media is read and dropped.
func NewPeerSession(stunServer string, sink Sink, log *zap.Logger) *PeerSession {
	if log == nil {
		log = zap.NewNop()
	}
	return &PeerSession{stunServer: stunServer, sink: sink, log: log.Named("media"), peers: make(map[string]*Peer)}
}

// Peer is the Handle of a PeerSession.
type Peer struct {
	key      string
	pc       *webrtc.PeerConnection
	audio    *webrtc.RTPSender
	audioOut *webrtc.TrackLocalStaticSample
	video    *webrtc.RTPSender
	videoOut *webrtc.TrackLocalStaticSample
	deafened atomic.Bool

	mu    sync.Mutex
	muted bool
}

func (p *Peer) Key() string { return p.key }

// SetMuted detaches the local tracks from their senders, so nothing is sent
// while muted.
func (p *Peer) SetMuted(muted bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.muted == muted {
		return nil
	}
	var audio, video webrtc.TrackLocal
	if !muted {
		audio = p.audioOut
		if p.videoOut != nil {
			video = p.videoOut
		}
	}
	if err := p.audio.ReplaceTrack(audio); err != nil {
		return fmt.Errorf("error replacing audio track: %w", err)
	}
	if p.video != nil {
		if err := p.video.ReplaceTrack(video); err != nil {
			return fmt.Errorf("error replacing video track: %w", err)
		}
	}
	p.muted = muted
	return nil
}

// SetDeafened drops remote media instead of handing it to the sink.
func (p *Peer) SetDeafened(deafened bool) error {
	p.deafened.Store(deafened)
	return nil
}

// LocalAudio is the track captured audio is written to.
func (p *Peer) LocalAudio() *webrtc.TrackLocalStaticSample { return p.audioOut }

// LocalVideo is the track captured video is written to; nil for voice calls.
func (p *Peer) LocalVideo() *webrtc.TrackLocalStaticSample { return p.videoOut }

// LocalDescription creates an offer, or an answer once a remote offer is set,
// and waits for ICE gathering to finish.
func (p *Peer) LocalDescription(ctx context.Context) (*webrtc.SessionDescription, error) {
	create, kind := p.pc.CreateOffer, "offer"
	if p.pc.SignalingState() == webrtc.SignalingStateHaveRemoteOffer {
		create, kind = p.pc.CreateAnswer, "answer"
	}
	sd, err := create(nil)
	if err != nil {
		return nil, fmt.Errorf("error creating %s: %w", kind, err)
	}
	gathered := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(sd); err != nil {
		return nil, fmt.Errorf("error setting local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return p.pc.LocalDescription(), nil
}

// SetRemoteDescription applies the other side's offer or answer.
func (p *Peer) SetRemoteDescription(sd webrtc.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("error setting remote %s: %w", sd.Type, err)
	}
	return nil
}

func (s *PeerSession) newAPI(video bool) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: opusCodec,
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio)
	if err != nil {
		return nil, fmt.Errorf("error registering opus: %w", err)
	}
	if video {
		err = mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: vp8Codec,
			PayloadType:        96,
		}, webrtc.RTPCodecTypeVideo)
		if err != nil {
			return nil, fmt.Errorf("error registering vp8: %w", err)
		}
	}

	// prevents packet size overruns
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetReceiveMTU(3_000)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}

func addTrack(pc *webrtc.PeerConnection, kind webrtc.RTPCodecType, codec webrtc.RTPCodecCapability, id string) (*webrtc.RTPSender, *webrtc.TrackLocalStaticSample, error) {
	trsv, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("error adding transceiver: %w", err)
	}
	track, err := webrtc.NewTrackLocalStaticSample(codec, kind.String(), kind.String()+"-"+id)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating %s track: %w", kind, err)
	}
	if err := trsv.Sender().ReplaceTrack(track); err != nil {
		return nil, nil, fmt.Errorf("error attaching %s track: %w", kind, err)
	}
	return trsv.Sender(), track, nil
}

func (s *PeerSession) Open(_ context.Context, key string, t Tracks) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[key]; ok {
		return nil, fmt.Errorf("media session %s already open", key)
	}

	api, err := s.newAPI(t.Video)
	if err != nil {
		return nil, err
	}
	var config webrtc.Configuration
	if s.stunServer != "" {
		config.ICEServers = []webrtc.ICEServer{{URLs: []string{s.stunServer}}}
	}
	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("error creating peer connection: %w", err)
	}
	p := &Peer{key: key, pc: pc}
	if p.audio, p.audioOut, err = addTrack(pc, webrtc.RTPCodecTypeAudio, opusCodec, key); err != nil {
		pc.Close()
		return nil, err
	}
	if t.Video {
		if p.video, p.videoOut, err = addTrack(pc, webrtc.RTPCodecTypeVideo, vp8Codec, key); err != nil {
			pc.Close()
			return nil, err
		}
	}
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.drain(p, remote)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		s.log.Debug("peer connection state changed", zap.String("key", key), zap.String("state", state.String()))
	})

	if err := p.SetDeafened(t.Deafened); err != nil {
		pc.Close()
		return nil, err
	}
	if err := p.SetMuted(t.Muted); err != nil {
		pc.Close()
		return nil, err
	}
	s.peers[key] = p
	return p, nil
}

// drain reads remote media until the track ends.
func (s *PeerSession) drain(p *Peer, remote *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		n, _, err := remote.Read(buf)
		if err != nil {
			return
		}
		if p.deafened.Load() || s.sink == nil {
			continue
		}
		s.sink(p.key, remote.Kind(), buf[:n])
	}
}

func (s *PeerSession) Close(h Handle) error {
	s.mu.Lock()
	p, ok := s.peers[h.Key()]
	if !ok || Handle(p) != h {
		s.mu.Unlock()
		return ErrUnknownHandle
	}
	delete(s.peers, h.Key())
	s.mu.Unlock()

	if err := p.pc.Close(); err != nil {
		return fmt.Errorf("error closing peer connection: %w", err)
	}
	return nil
}
