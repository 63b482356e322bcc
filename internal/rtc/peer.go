package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"meetgo/backend/internal/logging"
	"meetgo/backend/internal/media"
	"meetgo/backend/internal/mesh"

	"github.com/rs/zerolog"
	pion "github.com/pion/webrtc/v4"
)

var (
	ErrNoVideoSender = errors.New("peer connection has no video sender")
	ErrPeerFailed    = errors.New("peer connection failed")
)

// TrackSource yields the local tracks a new link starts with.
// media.Controller implements it.
type TrackSource interface {
	Mic() media.Track
	OnAir() media.Track
}

// Dialer opens pion peer connections with the local tracks attached.
type Dialer struct {
	api    *pion.API
	config pion.Configuration
	source TrackSource
	log    zerolog.Logger
}

func NewDialer(api *pion.API, iceServers []pion.ICEServer, source TrackSource) *Dialer {
	return &Dialer{
		api:    api,
		config: pion.Configuration{ICEServers: iceServers},
		source: source,
		log:    logging.L().With().Str("component", "rtc").Logger(),
	}
}

// Dial creates the connection to peerID. Descriptions are exchanged whole,
// after candidate gathering, so no trickle messages are needed.
func (d *Dialer) Dial(peerID string, role mesh.Role, events mesh.LinkEvents) (mesh.Negotiator, error) {
	pc, err := d.api.NewPeerConnection(d.config)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	p := &Peer{
		pc:  pc,
		log: d.log.With().Str(logging.FieldPeerID, peerID).Logger(),
	}

	if err := p.addLocal(pion.RTPCodecTypeAudio, d.source.Mic()); err != nil {
		pc.Close()
		return nil, err
	}
	if err := p.addLocal(pion.RTPCodecTypeVideo, d.source.OnAir()); err != nil {
		pc.Close()
		return nil, err
	}

	pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		p.log.Debug().
			Str("kind", track.Kind().String()).
			Str("codec", track.Codec().MimeType).
			Msg("remote track")
		if events.OnTrack != nil {
			events.OnTrack(track)
		}
		go drainRemote(track)
	})

	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		p.log.Debug().Str(logging.FieldState, state.String()).Msg("connection state")
		if state == pion.PeerConnectionStateFailed && events.OnFailure != nil {
			events.OnFailure(ErrPeerFailed)
		}
	})

	p.log.Debug().Str("role", role.String()).Msg("peer connection created")
	return p, nil
}

// Peer is one pion connection acting as a mesh.Negotiator.
type Peer struct {
	pc *pion.PeerConnection

	mu    sync.Mutex
	video *pion.RTPSender

	closeOnce sync.Once
	closeErr  error
	log       zerolog.Logger
}

func (p *Peer) addLocal(kind pion.RTPCodecType, track media.Track) error {
	if track == nil {
		if _, err := p.pc.AddTransceiverFromKind(kind, pion.RTPTransceiverInit{
			Direction: pion.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", kind, err)
		}
		return nil
	}

	lt, err := asLocal(track)
	if err != nil {
		return err
	}
	sender, err := p.pc.AddTrack(lt.TrackLocal())
	if err != nil {
		return fmt.Errorf("add %s track: %w", kind, err)
	}
	if kind == pion.RTPCodecTypeVideo {
		p.video = sender
	}
	go drainRTCP(sender)
	return nil
}

// Offer creates the local offer and waits for candidate gathering.
func (p *Peer) Offer(ctx context.Context) (json.RawMessage, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	return p.settle(ctx, offer)
}

// Answer applies a remote offer and returns the complete answer.
func (p *Peer) Answer(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	offer, err := decodeDescription(raw, pion.SDPTypeOffer)
	if err != nil {
		return nil, err
	}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote offer: %w", err)
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	return p.settle(ctx, answer)
}

// Accept applies the remote answer to a pending offer.
func (p *Peer) Accept(raw json.RawMessage) error {
	answer, err := decodeDescription(raw, pion.SDPTypeAnswer)
	if err != nil {
		return err
	}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

// ReplaceVideoTrack swaps the outgoing video without renegotiation.
func (p *Peer) ReplaceVideoTrack(track media.Track) error {
	p.mu.Lock()
	sender := p.video
	p.mu.Unlock()

	if sender == nil {
		return ErrNoVideoSender
	}
	if track == nil {
		return sender.ReplaceTrack(nil)
	}
	lt, err := asLocal(track)
	if err != nil {
		return err
	}
	if err := sender.ReplaceTrack(lt.TrackLocal()); err != nil {
		return fmt.Errorf("replace video track: %w", err)
	}
	return nil
}

func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.pc.Close()
	})
	return p.closeErr
}

func (p *Peer) settle(ctx context.Context, desc pion.SessionDescription) (json.RawMessage, error) {
	gathered := pion.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("set local %s: %w", desc.Type, err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, fmt.Errorf("gather candidates: %w", ctx.Err())
	}

	raw, err := json.Marshal(p.pc.LocalDescription())
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", desc.Type, err)
	}
	return raw, nil
}

func decodeDescription(raw json.RawMessage, want pion.SDPType) (pion.SessionDescription, error) {
	var desc pion.SessionDescription
	if err := json.Unmarshal(raw, &desc); err != nil {
		return desc, fmt.Errorf("decode %s: %w", want, err)
	}
	if desc.Type != want {
		return desc, fmt.Errorf("expected %s, got %s", want, desc.Type)
	}
	return desc, nil
}

// drainRTCP keeps interceptors such as NACK running for an outgoing track.
func drainRTCP(sender *pion.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// drainRemote consumes inbound RTP; rendering is the caller's concern.
func drainRemote(track *pion.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
