package manager

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantarax/verisync/internal/hashtree"
	"github.com/quantarax/verisync/internal/rangeset"
)

// TransferState represents the state of a transfer session
type TransferState int

const (
	StateNegotiating TransferState = iota + 1
	StateStreaming
	StateVerifying
	StateCompleted
	StateFailed
	StateAborted
)

func (s TransferState) String() string {
	switch s {
	case StateNegotiating:
		return "NEGOTIATING"
	case StateStreaming:
		return "STREAMING"
	case StateVerifying:
		return "VERIFYING"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further transitions are possible.
func (s TransferState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateAborted
}

// ParseState parses the String form.
func ParseState(s string) (TransferState, error) {
	for st := StateNegotiating; st <= StateAborted; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("invalid state: %s", s)
}

// TransferDirection indicates send or receive
type TransferDirection int

const (
	// DirectionSend is the responder side.
	DirectionSend TransferDirection = iota + 1
	// DirectionReceive is the requester side.
	DirectionReceive
)

func (d TransferDirection) String() string {
	switch d {
	case DirectionSend:
		return "SEND"
	case DirectionReceive:
		return "RECEIVE"
	default:
		return "UNKNOWN"
	}
}

// Role is the lower-case label used in logs and metrics.
func (d TransferDirection) Role() string {
	switch d {
	case DirectionSend:
		return "responder"
	case DirectionReceive:
		return "requester"
	default:
		return "unknown"
	}
}

// ParseDirection parses the String form.
func ParseDirection(s string) (TransferDirection, error) {
	switch s {
	case "SEND":
		return DirectionSend, nil
	case "RECEIVE":
		return DirectionReceive, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s", s)
	}
}

var validTransitions = map[TransferState][]TransferState{
	StateNegotiating: {StateStreaming, StateCompleted, StateFailed, StateAborted},
	StateStreaming:   {StateVerifying, StateCompleted, StateFailed, StateAborted},
	StateVerifying:   {StateStreaming, StateCompleted, StateFailed, StateAborted},
	StateCompleted:   {},
	StateFailed:      {},
	StateAborted:     {},
}

// Session tracks one transfer of one blob with one peer.
type Session struct {
	ID        string
	Hash      hashtree.Hash
	Peer      string
	Direction TransferDirection

	state        TransferState
	size         uint64
	wanted       rangeset.RangeSet
	committed    rangeset.RangeSet
	bytes        uint64
	chunks       uint64
	errorKind    string
	errorMessage string
	startTime    time.Time
	updateTime   time.Time

	// Transfer metrics
	transferRateSamples []float64
	lastUpdateTime      time.Time
	lastBytes           uint64

	mu sync.RWMutex
}

// NewSession creates a session in the Negotiating state.
func NewSession(hash hashtree.Hash, peer string, direction TransferDirection) *Session {
	now := time.Now()
	return &Session{
		ID:                  uuid.NewString(),
		Hash:                hash,
		Peer:                peer,
		Direction:           direction,
		state:               StateNegotiating,
		startTime:           now,
		updateTime:          now,
		lastUpdateTime:      now,
		transferRateSamples: make([]float64, 0, 10),
	}
}

// SetPlan records the negotiated size and the ranges this session will
// move.
func (s *Session) SetPlan(size uint64, wanted rangeset.RangeSet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.size = size
	s.wanted = wanted.Clone()
	s.updateTime = time.Now()
}

// AddProgress records one chunk moved and, on the receiving side,
// committed to the store.
func (s *Session) AddProgress(rng rangeset.Range) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.committed.Insert(rng)
	s.bytes += rng.Len()
	s.chunks++
	s.updateTime = now

	duration := now.Sub(s.lastUpdateTime).Seconds()
	if duration >= 0.1 {
		rate := float64(s.bytes-s.lastBytes) / duration / 1024 / 1024 * 8 // Mbps
		s.transferRateSamples = append(s.transferRateSamples, rate)
		if len(s.transferRateSamples) > 10 {
			s.transferRateSamples = s.transferRateSamples[1:]
		}
		s.lastUpdateTime = now
		s.lastBytes = s.bytes
	}
}

// Committed returns the ranges moved so far.
func (s *Session) Committed() rangeset.RangeSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.committed.Clone()
}

// Bytes returns the payload bytes moved so far.
func (s *Session) Bytes() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bytes
}

func (s *Session) rate() float64 {
	if len(s.transferRateSamples) == 0 {
		return 0
	}
	var sum float64
	for _, r := range s.transferRateSamples {
		sum += r
	}
	return sum / float64(len(s.transferRateSamples))
}

// GetTransferRate returns the current transfer rate in Mbps
func (s *Session) GetTransferRate() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rate()
}

// GetProgressPercent returns the share of wanted bytes moved.
func (s *Session) GetProgressPercent() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := s.wanted.Len()
	if total == 0 {
		return 0
	}
	return float64(s.committed.Intersect(s.wanted).Len()) / float64(total) * 100
}

// GetEstimatedTimeRemaining returns estimated seconds until completion
func (s *Session) GetEstimatedTimeRemaining() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rate := s.rate()
	if rate == 0 {
		return 0
	}
	remaining := s.wanted.Len() - s.committed.Intersect(s.wanted).Len()
	return int64(float64(remaining) / (rate * 1024 * 1024 / 8))
}

// TransitionTo moves the session to newState. kind and msg describe the
// failure for Failed and Aborted and are ignored otherwise.
func (s *Session) TransitionTo(newState TransferState, kind, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	isValid := false
	for _, allowed := range validTransitions[s.state] {
		if allowed == newState {
			isValid = true
			break
		}
	}
	if !isValid {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, s.state, newState)
	}

	s.state = newState
	s.updateTime = time.Now()
	if newState == StateFailed || newState == StateAborted {
		s.errorKind = kind
		s.errorMessage = msg
	}
	return nil
}

// GetState returns current state (thread-safe)
func (s *Session) GetState() TransferState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Summary is a point-in-time copy of a session, as listed and persisted.
type Summary struct {
	ID           string
	Hash         hashtree.Hash
	Peer         string
	Direction    TransferDirection
	State        TransferState
	Size         uint64
	Wanted       rangeset.RangeSet
	Committed    rangeset.RangeSet
	Bytes        uint64
	Chunks       uint64
	ErrorKind    string
	ErrorMessage string
	StartTime    time.Time
	UpdateTime   time.Time
}

// Summary snapshots the session.
func (s *Session) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Summary{
		ID:           s.ID,
		Hash:         s.Hash,
		Peer:         s.Peer,
		Direction:    s.Direction,
		State:        s.state,
		Size:         s.size,
		Wanted:       s.wanted.Clone(),
		Committed:    s.committed.Clone(),
		Bytes:        s.bytes,
		Chunks:       s.chunks,
		ErrorKind:    s.errorKind,
		ErrorMessage: s.errorMessage,
		StartTime:    s.startTime,
		UpdateTime:   s.updateTime,
	}
}
