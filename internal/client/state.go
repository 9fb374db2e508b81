// Package client implements the operator-side session protocol: an explicit state machine
// holding the current image, session and transcript, a controller driving it against the
// coordinator, and the HTTP API used by the controller.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/zhouzirui/site-safety/backend/internal/media"
	"github.com/zhouzirui/site-safety/backend/internal/model/session"
)

// State is the client's position in the analyze/chat protocol.
type State int

const (
	Idle State = iota
	ImageSelected
	Analyzing
	Grounded
	ChatPending
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ImageSelected:
		return "image_selected"
	case Analyzing:
		return "analyzing"
	case Grounded:
		return "grounded"
	case ChatPending:
		return "chat_pending"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrBusy is returned when an Analyze or Chat is already in flight.
	ErrBusy = errors.New("client: request already in flight")
	// ErrNoImage is returned by Analyze before any image was selected.
	ErrNoImage = errors.New("client: no image selected")
	// ErrNoSession is returned by SendChat before an analysis succeeded.
	ErrNoSession = errors.New("client: no active session")
	// ErrStale marks a response that arrived after the request was superseded.
	ErrStale = errors.New("client: response superseded")
)

// Image is a photo picked by the operator, not yet sent.
type Image struct {
	Name     string
	Data     []byte
	MIMEType string
}

// View is a read-only snapshot of the client state for rendering.
type View struct {
	State        State
	PendingImage *Image
	Draft        string
	SessionID    string
	Analysis     *session.Analysis
	Conversation []session.Turn
	LastError    error
}

// IsAnalyzing reports whether an Analyze request is in flight.
func (v View) IsAnalyzing() bool { return v.State == Analyzing }

// IsAwaitingReply reports whether a chat turn is in flight.
func (v View) IsAwaitingReply() bool { return v.State == ChatPending }

// Ticket identifies one in-flight request. A ticket whose epoch is no longer current
// belongs to a superseded request and its response must be dropped.
type Ticket struct {
	epoch     uint64
	SessionID string
	Message   string
	Image     Image
}

// AnalyzeResult is what a successful Analyze returns.
type AnalyzeResult struct {
	SessionID   string   `json:"session_id"`
	Keywords    []string `json:"keywords"`
	Description string   `json:"description"`
}

// Machine holds the client state and enforces the legal transitions.
type Machine struct {
	mu           sync.Mutex
	state        State
	image        *Image
	sessionID    string
	analysis     *session.Analysis
	conversation []session.Turn
	draft        string
	lastErr      error
	epoch        uint64
	// cancel aborts the request of the current epoch, if one is bound.
	cancel context.CancelFunc
}

// NewMachine returns a machine in the Idle state.
func NewMachine() *Machine {
	return &Machine{state: Idle}
}

// SelectImage replaces the pending image and drops everything derived from the previous
// one. It returns the id of the session that was abandoned, if any.
func (m *Machine) SelectImage(name string, data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: image is empty", session.ErrValidation)
	}
	mimeType := media.DetectMIMEType(data)
	if !media.IsSupported(mimeType) {
		return "", fmt.Errorf("%w: %w", session.ErrDecode, media.ErrUnsupportedFormat)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	abandoned := m.clearLocked()
	m.image = &Image{
		Name:     name,
		Data:     append([]byte(nil), data...),
		MIMEType: mimeType,
	}
	m.state = ImageSelected
	return abandoned, nil
}

// Reset returns to Idle from any state and reports the abandoned session id.
func (m *Machine) Reset() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	abandoned := m.clearLocked()
	m.image = nil
	m.draft = ""
	m.state = Idle
	return abandoned
}

// clearLocked invalidates in-flight requests and forgets the session.
func (m *Machine) clearLocked() string {
	abandoned := m.sessionID
	m.cancelLocked()
	m.epoch++
	m.sessionID = ""
	m.analysis = nil
	m.conversation = nil
	m.lastErr = nil
	return abandoned
}

func (m *Machine) cancelLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// Bind ties cancel to the request of t, so superseding t cancels it in the same step
// that bumps the epoch. When t is already stale, cancel runs at once and Bind reports false.
func (m *Machine) Bind(t Ticket, cancel context.CancelFunc) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.epoch != m.epoch {
		cancel()
		return false
	}
	m.cancel = cancel
	return true
}

// BeginAnalyze moves to Analyzing. Re-analyzing a grounded image abandons its session,
// whose id is returned alongside the ticket.
func (m *Machine) BeginAnalyze() (Ticket, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case Analyzing, ChatPending:
		return Ticket{}, "", ErrBusy
	case Idle:
		return Ticket{}, "", ErrNoImage
	}

	abandoned := m.clearLocked()
	m.state = Analyzing
	return Ticket{epoch: m.epoch, Image: *m.image}, abandoned, nil
}

// CompleteAnalyze applies the outcome of the request identified by t. It returns ErrStale
// without touching the state when t was superseded.
func (m *Machine) CompleteAnalyze(t Ticket, res *AnalyzeResult, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.epoch != m.epoch || m.state != Analyzing {
		return ErrStale
	}
	m.cancel = nil

	if err != nil {
		m.state = ImageSelected
		m.lastErr = err
		return nil
	}

	m.sessionID = res.SessionID
	m.analysis = &session.Analysis{
		Keywords:    append([]string(nil), res.Keywords...),
		Description: res.Description,
	}
	m.conversation = []session.Turn{}
	m.lastErr = nil
	m.state = Grounded
	return nil
}

// SetDraft stores the uncommitted chat input.
func (m *Machine) SetDraft(text string) {
	m.mu.Lock()
	m.draft = text
	m.mu.Unlock()
}

// BeginChat optimistically records the user turn and moves to ChatPending.
func (m *Machine) BeginChat(message string) (Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case Analyzing, ChatPending:
		return Ticket{}, ErrBusy
	}
	if m.sessionID == "" {
		return Ticket{}, ErrNoSession
	}

	if strings.TrimSpace(message) == "" {
		return Ticket{}, fmt.Errorf("%w: message is empty", session.ErrValidation)
	}

	m.cancelLocked()
	m.epoch++
	m.conversation = append(m.conversation, session.Turn{Role: session.RoleUser, Content: message})
	m.draft = ""
	m.lastErr = nil
	m.state = ChatPending
	return Ticket{epoch: m.epoch, SessionID: m.sessionID, Message: message}, nil
}

// CompleteChat appends the assistant turn on success. On failure the user turn stays and
// the error is surfaced.
func (m *Machine) CompleteChat(t Ticket, reply string, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t.epoch != m.epoch || m.state != ChatPending {
		return ErrStale
	}
	m.cancel = nil

	m.state = Grounded
	if err != nil {
		m.lastErr = err
		return nil
	}
	m.conversation = append(m.conversation, session.Turn{Role: session.RoleAssistant, Content: reply})
	return nil
}

// View returns a snapshot that shares no memory with the machine.
func (m *Machine) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := View{
		State:     m.state,
		Draft:     m.draft,
		SessionID: m.sessionID,
		LastError: m.lastErr,
	}
	if m.image != nil {
		img := *m.image
		img.Data = append([]byte(nil), m.image.Data...)
		v.PendingImage = &img
	}
	if m.analysis != nil {
		v.Analysis = &session.Analysis{
			Keywords:    append([]string(nil), m.analysis.Keywords...),
			Description: m.analysis.Description,
		}
	}
	if m.conversation != nil {
		v.Conversation = append([]session.Turn(nil), m.conversation...)
	}
	return v
}
