package rtc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"telecare/internal/app/session"
	"telecare/internal/pkg/logx"
)

// ErrNegotiationTimeout reports a link that never reached Connected within
// the configured bound.
var ErrNegotiationTimeout = errors.New("negotiation timed out")

// LinkState is the lifecycle state of one peer link.
type LinkState int

const (
	// StateIdle: link exists but negotiation has not started.
	StateIdle LinkState = iota

	// StateNegotiating: offer/answer/candidate exchange in progress.
	StateNegotiating

	// StateConnected: a usable media path is established.
	StateConnected

	// StateClosed: the link was torn down. A closed link is never reused; a
	// rejoining counterpart gets a fresh link under its new connection id.
	StateClosed

	// StateError: negotiation or transport failed. Isolated to this link.
	StateError
)

func (s LinkState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Link is one logical media connection to a single counterpart. Exactly one
// side is the initiator: the participant that joined later offers first,
// because it is the only side that observed the other as pre-existing. That
// asymmetry removes offer glare without a tie-breaker.
//
// Signaling events and transport callbacks may interleave arbitrarily;
// every entry point re-checks state under the lock, so e.g. a candidate
// arriving after Close is a no-op rather than an error.
type Link struct {
	counterpart session.Participant
	initiator   bool
	transport   Transport

	mu    sync.Mutex
	state LinkState
	err   error

	// negotiationTimer fails the link if it is still negotiating when the
	// bound elapses, so a dropped offer or answer cannot hang the UI.
	negotiationTimer   *time.Timer
	negotiationTimeout time.Duration

	// onStateChange notifies the owning manager of transitions into
	// Connected, Error and Closed. Invoked outside the link's lock.
	onStateChange func(state LinkState, err error)

	logger zerolog.Logger
}

// newLink constructs a Link in StateIdle.
func newLink(counterpart session.Participant, initiator bool, transport Transport, negotiationTimeout time.Duration, onStateChange func(LinkState, error)) *Link {
	return &Link{
		counterpart:        counterpart,
		initiator:          initiator,
		transport:          transport,
		state:              StateIdle,
		negotiationTimeout: negotiationTimeout,
		onStateChange:      onStateChange,
		logger: logx.Logger().With().
			Str("component", "PeerLink").
			Str("counterpart_connection_id", counterpart.ConnectionID).
			Bool("initiator", initiator).
			Logger(),
	}
}

// Counterpart returns the remote participant this link connects to.
func (l *Link) Counterpart() session.Participant {
	return l.counterpart
}

// Initiator reports whether this side sends the first offer.
func (l *Link) Initiator() bool {
	return l.initiator
}

// State returns the current lifecycle state.
func (l *Link) State() LinkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Err returns the failure recorded when the link entered StateError.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// StartNegotiation produces the initial offer (initiator side) and moves
// the link to Negotiating.
func (l *Link) StartNegotiation() (json.RawMessage, error) {
	l.mu.Lock()

	if !l.initiator {
		l.mu.Unlock()
		return nil, fmt.Errorf("responder link cannot start negotiation")
	}
	if l.state != StateIdle {
		l.mu.Unlock()
		return nil, fmt.Errorf("cannot start negotiation from state %s", l.state)
	}

	l.state = StateNegotiating
	l.armNegotiationTimer()
	l.mu.Unlock()

	offer, err := l.transport.CreateOffer()
	if err != nil {
		l.Fail(err)
		return nil, err
	}

	return offer, nil
}

// HandleOffer applies the counterpart's offer (responder side), moves the
// link to Negotiating and returns the answer to relay back.
func (l *Link) HandleOffer(offer json.RawMessage) (json.RawMessage, error) {
	l.mu.Lock()

	if l.initiator {
		l.mu.Unlock()
		return nil, fmt.Errorf("initiator link received an offer")
	}
	if l.state != StateIdle {
		l.mu.Unlock()
		l.logger.Warn().Str("state", l.state.String()).Msg("Ignoring offer in non-idle state.")
		return nil, nil
	}

	l.state = StateNegotiating
	l.armNegotiationTimer()
	l.mu.Unlock()

	answer, err := l.transport.AcceptOffer(offer)
	if err != nil {
		l.Fail(err)
		return nil, err
	}

	return answer, nil
}

// HandleAnswer applies the counterpart's answer (initiator side). Answers
// arriving for a link that is no longer negotiating are ignored.
func (l *Link) HandleAnswer(answer json.RawMessage) error {
	l.mu.Lock()

	if !l.initiator || l.state != StateNegotiating {
		state := l.state
		l.mu.Unlock()
		l.logger.Debug().Str("state", state.String()).Msg("Ignoring answer.")
		return nil
	}
	l.mu.Unlock()

	if err := l.transport.AcceptAnswer(answer); err != nil {
		l.Fail(err)
		return err
	}

	return nil
}

// HandleCandidate applies one remote network candidate. Candidates for a
// closed or failed link are a no-op: the counterpart may have trickled them
// just before leaving.
func (l *Link) HandleCandidate(candidate json.RawMessage) error {
	l.mu.Lock()

	if l.state == StateClosed || l.state == StateError || l.state == StateIdle {
		state := l.state
		l.mu.Unlock()
		l.logger.Debug().Str("state", state.String()).Msg("Dropping candidate outside negotiation.")
		return nil
	}
	l.mu.Unlock()

	if err := l.transport.AddCandidate(candidate); err != nil {
		// A single malformed candidate does not fail the link; others may
		// still complete the path.
		l.logger.Warn().Err(err).Msg("Failed to apply remote candidate.")
	}

	return nil
}

// SetLocalEnabled forwards a local mute or camera toggle to the transport.
// Closed and failed links are skipped; their transports are already
// released.
func (l *Link) SetLocalEnabled(kind webrtc.RTPCodecType, enabled bool) {
	l.mu.Lock()

	if l.state == StateClosed || l.state == StateError {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	if err := l.transport.SetLocalEnabled(kind, enabled); err != nil {
		l.logger.Warn().Err(err).Str("kind", kind.String()).Msg("Failed to apply local media toggle.")
	}
}

// MarkConnected records that the transport reported a usable media path.
func (l *Link) MarkConnected() {
	l.mu.Lock()

	if l.state != StateNegotiating {
		l.mu.Unlock()
		return
	}

	l.state = StateConnected
	l.stopNegotiationTimer()
	l.mu.Unlock()

	l.logger.Info().Msg("Peer link connected.")
	l.notify(StateConnected, nil)
}

// Fail moves the link to StateError and releases the transport. Failures on
// a link that is already closed are ignored.
func (l *Link) Fail(err error) {
	l.mu.Lock()

	if l.state == StateClosed || l.state == StateError {
		l.mu.Unlock()
		return
	}

	l.state = StateError
	l.err = err
	l.stopNegotiationTimer()
	l.mu.Unlock()

	if closeErr := l.transport.Close(); closeErr != nil {
		l.logger.Debug().Err(closeErr).Msg("Error closing transport after failure.")
	}

	l.logger.Warn().Err(err).Msg("Peer link failed.")
	l.notify(StateError, err)
}

// Close tears the link down and releases all resources tied to it. A closed
// link is terminal.
func (l *Link) Close() {
	l.mu.Lock()

	if l.state == StateClosed {
		l.mu.Unlock()
		return
	}

	l.state = StateClosed
	l.stopNegotiationTimer()
	l.mu.Unlock()

	if err := l.transport.Close(); err != nil {
		l.logger.Debug().Err(err).Msg("Error closing transport.")
	}

	l.logger.Info().Msg("Peer link closed.")
	l.notify(StateClosed, nil)
}

// armNegotiationTimer starts the bounded negotiation window. Caller holds l.mu.
func (l *Link) armNegotiationTimer() {
	if l.negotiationTimeout <= 0 {
		return
	}

	l.negotiationTimer = time.AfterFunc(l.negotiationTimeout, func() {
		l.expire()
	})
}

// stopNegotiationTimer stops the timer if armed. Caller holds l.mu.
func (l *Link) stopNegotiationTimer() {
	if l.negotiationTimer != nil {
		l.negotiationTimer.Stop()
		l.negotiationTimer = nil
	}
}

// expire fails the link if it is still negotiating when the bound elapses.
func (l *Link) expire() {
	l.mu.Lock()
	negotiating := l.state == StateNegotiating
	l.mu.Unlock()

	if negotiating {
		l.Fail(ErrNegotiationTimeout)
	}
}

// notify reports a state transition to the owning manager.
func (l *Link) notify(state LinkState, err error) {
	if l.onStateChange != nil {
		l.onStateChange(state, err)
	}
}
