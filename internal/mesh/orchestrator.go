package mesh

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"meetgo/backend/internal/config"
	"meetgo/backend/internal/logging"
	"meetgo/backend/internal/models"

	"github.com/rs/zerolog"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithAttacher hands every new link's video sender to a.
func WithAttacher(a Attacher) Option {
	return func(o *Orchestrator) { o.attacher = a }
}

// WithObserver is called after every link state change, outside any lock.
func WithObserver(fn func(Link)) Option {
	return func(o *Orchestrator) { o.observer = fn }
}

// WithNegotiateTimeout bounds one offer or answer round.
func WithNegotiateTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// Orchestrator owns the PeerLinks of one room session. Handlers are meant to
// be called in server arrival order from a single goroutine; negotiation
// itself runs in the background.
type Orchestrator struct {
	dialer   Dialer
	signaler Signaler
	attacher Attacher
	observer func(Link)
	timeout  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	links  map[string]*link
	roster map[string]string
	closed bool

	log zerolog.Logger
}

func NewOrchestrator(dialer Dialer, signaler Signaler, opts ...Option) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		dialer:   dialer,
		signaler: signaler,
		timeout:  config.NegotiateTimeout,
		ctx:      ctx,
		cancel:   cancel,
		links:    make(map[string]*link),
		roster:   make(map[string]string),
		log:      logging.L().With().Str("component", "mesh").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleAllUsers starts an offer towards every existing member.
func (o *Orchestrator) HandleAllUsers(users []models.RoomUser) {
	for _, u := range users {
		o.remember(u.SocketID, u.Username)
		l := o.open(u.SocketID, u.Username, RoleInitiator)
		if l == nil {
			continue
		}
		o.negotiate(l, func(ctx context.Context, neg Negotiator) error {
			offer, err := neg.Offer(ctx)
			if err != nil {
				return &LinkError{Op: "offer", PeerID: l.peerID, Err: err}
			}
			if err := o.signaler.SendSignal(l.peerID, offer); err != nil {
				return &LinkError{Op: "send-signal", PeerID: l.peerID, Err: err}
			}
			return nil
		})
	}
}

// HandleParticipantJoined records a newcomer. Its offer follows as user-joined.
func (o *Orchestrator) HandleParticipantJoined(peerID, username string) {
	o.remember(peerID, username)
}

// HandleUserJoined answers an incoming offer. A second offer from a peer that
// already has a link is discarded.
func (o *Orchestrator) HandleUserJoined(callerID, username string, signal json.RawMessage) {
	o.remember(callerID, username)
	l := o.open(callerID, username, RoleResponder)
	if l == nil {
		return
	}
	o.negotiate(l, func(ctx context.Context, neg Negotiator) error {
		answer, err := neg.Answer(ctx, signal)
		if err != nil {
			return &LinkError{Op: "answer", PeerID: l.peerID, Err: err}
		}
		if err := o.signaler.ReturnSignal(l.peerID, answer); err != nil {
			return &LinkError{Op: "return-signal", PeerID: l.peerID, Err: err}
		}
		return nil
	})
}

// HandleSignalReceived applies an answer to the link that offered.
func (o *Orchestrator) HandleSignalReceived(callerID string, signal json.RawMessage) {
	o.mu.Lock()
	l := o.links[callerID]
	if l == nil || l.role != RoleInitiator || l.neg == nil || l.state != StateNegotiating {
		o.mu.Unlock()
		o.log.Debug().Str(logging.FieldPeerID, callerID).Msg("answer without pending offer dropped")
		return
	}
	neg := l.neg
	o.mu.Unlock()

	if err := neg.Accept(signal); err != nil {
		o.fail(l, &LinkError{Op: "accept", PeerID: callerID, Err: err})
	}
}

// HandleUserLeft destroys the link to peerID, if any.
func (o *Orchestrator) HandleUserLeft(peerID string) {
	o.mu.Lock()
	delete(o.roster, peerID)
	l := o.links[peerID]
	if l == nil {
		o.mu.Unlock()
		return
	}
	delete(o.links, peerID)
	neg := o.retireLocked(l, StateClosed)
	snap := l.snapshot()
	o.mu.Unlock()

	o.release(peerID, neg)
	o.log.Info().Str(logging.FieldPeerID, peerID).Msg("peer link closed")
	o.notify(snap)
}

// Link returns the snapshot of the link to peerID.
func (o *Orchestrator) Link(peerID string) (Link, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.links[peerID]
	if !ok {
		return Link{}, false
	}
	return l.snapshot(), true
}

// Links returns every live link sorted by peer id.
func (o *Orchestrator) Links() []Link {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Link, 0, len(o.links))
	for _, l := range o.links {
		out = append(out, l.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Roster returns the other members of the room as reported by the server.
func (o *Orchestrator) Roster() []models.RoomUser {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.RoomUser, 0, len(o.roster))
	for id, name := range o.roster {
		out = append(out, models.RoomUser{SocketID: id, Username: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SocketID < out[j].SocketID })
	return out
}

// Close tears down every link and waits for pending negotiations to return.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	var snaps []Link
	negs := make(map[string]Negotiator, len(o.links))
	for id, l := range o.links {
		negs[id] = o.retireLocked(l, StateClosed)
		snaps = append(snaps, l.snapshot())
	}
	o.links = make(map[string]*link)
	o.roster = make(map[string]string)
	o.mu.Unlock()

	o.cancel()
	for id, neg := range negs {
		o.release(id, neg)
	}
	o.wg.Wait()

	for _, snap := range snaps {
		o.notify(snap)
	}
	o.log.Debug().Int("links", len(snaps)).Msg("mesh closed")
}

func (o *Orchestrator) remember(peerID, username string) {
	if peerID == "" {
		return
	}
	o.mu.Lock()
	if !o.closed {
		o.roster[peerID] = username
	}
	o.mu.Unlock()
}

// open creates the link and its peer connection. It returns nil when a link
// to peerID already exists or the connection could not be created.
func (o *Orchestrator) open(peerID, username string, role Role) *link {
	if peerID == "" {
		return nil
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	if existing, ok := o.links[peerID]; ok {
		o.mu.Unlock()
		o.log.Debug().
			Str(logging.FieldPeerID, peerID).
			Str("existing_role", existing.role.String()).
			Msg("duplicate link discarded")
		return nil
	}
	l := &link{peerID: peerID, username: username, role: role, state: StateNegotiating}
	o.links[peerID] = l
	o.mu.Unlock()

	neg, err := o.dialer.Dial(peerID, role, LinkEvents{
		OnTrack:   func(t RemoteTrack) { o.trackArrived(l, t) },
		OnFailure: func(err error) { o.fail(l, &LinkError{Op: "connect", PeerID: peerID, Err: err}) },
	})
	if err != nil {
		o.fail(l, &LinkError{Op: "dial", PeerID: peerID, Err: err})
		return nil
	}

	o.mu.Lock()
	if o.links[peerID] != l || l.state != StateNegotiating {
		// Left or failed while dialing.
		o.mu.Unlock()
		neg.Close()
		return nil
	}
	l.neg = neg
	o.mu.Unlock()

	if o.attacher != nil {
		if err := o.attacher.Attach(peerID, neg); err != nil {
			o.fail(l, &LinkError{Op: "attach", PeerID: peerID, Err: err})
			return nil
		}
	}

	o.mu.Lock()
	if o.links[peerID] != l || l.state != StateNegotiating {
		o.mu.Unlock()
		if o.attacher != nil {
			o.attacher.Detach(peerID)
		}
		return nil
	}
	snap := l.snapshot()
	o.mu.Unlock()

	o.log.Info().
		Str(logging.FieldPeerID, peerID).
		Str("role", role.String()).
		Str(logging.FieldState, StateNegotiating.String()).
		Msg("peer link opened")
	o.notify(snap)
	return l
}

// negotiate runs step in the background with the link's negotiator.
func (o *Orchestrator) negotiate(l *link, step func(ctx context.Context, neg Negotiator) error) {
	o.mu.Lock()
	neg := l.neg
	if neg == nil || o.closed {
		o.mu.Unlock()
		return
	}
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(o.ctx, o.timeout)
		defer cancel()

		if err := step(ctx, neg); err != nil {
			o.fail(l, err)
		}
	}()
}

func (o *Orchestrator) trackArrived(l *link, t RemoteTrack) {
	o.mu.Lock()
	if o.links[l.peerID] != l || (l.state != StateNegotiating && l.state != StateConnected) {
		o.mu.Unlock()
		return
	}
	l.tracks = append(l.tracks, t)
	changed := l.state != StateConnected
	l.state = StateConnected
	snap := l.snapshot()
	o.mu.Unlock()

	if changed {
		o.log.Info().
			Str(logging.FieldPeerID, l.peerID).
			Str(logging.FieldState, StateConnected.String()).
			Msg("peer link connected")
	}
	o.notify(snap)
}

// fail marks the link unusable. It stays in the set until the peer leaves so
// a late duplicate offer cannot open a second link.
func (o *Orchestrator) fail(l *link, err error) {
	o.mu.Lock()
	if o.links[l.peerID] != l || l.state == StateError || l.state == StateClosed {
		o.mu.Unlock()
		return
	}
	l.err = err
	neg := o.retireLocked(l, StateError)
	snap := l.snapshot()
	o.mu.Unlock()

	o.release(l.peerID, neg)
	o.log.Error().Err(err).
		Str(logging.FieldPeerID, l.peerID).
		Str(logging.FieldState, StateError.String()).
		Msg("peer link failed")
	o.notify(snap)
}

// retireLocked moves l to a final state and hands back its negotiator for release.
func (o *Orchestrator) retireLocked(l *link, state State) Negotiator {
	l.state = state
	neg := l.neg
	l.neg = nil
	return neg
}

func (o *Orchestrator) release(peerID string, neg Negotiator) {
	if o.attacher != nil {
		o.attacher.Detach(peerID)
	}
	if neg != nil {
		if err := neg.Close(); err != nil {
			o.log.Debug().Err(err).Str(logging.FieldPeerID, peerID).Msg("close peer connection")
		}
	}
}

func (o *Orchestrator) notify(snap Link) {
	if o.observer != nil {
		o.observer(snap)
	}
}
