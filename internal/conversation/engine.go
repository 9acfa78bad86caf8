// Package conversation implements the chat intake flow: a per-requester
// state machine that turns free-form chat turns into a registration request.
//
// States:
//   - idle: the start keyword moves to awaitingData, anything else gets a
//     welcome message.
//   - awaitingData: the next turn must be "name|nik|branch|date". Malformed
//     input keeps the state so the requester can retry; a well-formed turn
//     yields a request and returns to idle.
//
// Turns from the same requester are serialized; different requesters never
// block each other. State lives in memory only and idle entries are evicted
// after a TTL.
package conversation

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tbourn/go-queue-registration/internal/services"
)

// Step is a conversation state.
type Step int

const (
	StepIdle Step = iota
	StepAwaitingData
)

func (s Step) String() string {
	if s == StepAwaitingData {
		return "awaiting_data"
	}
	return "idle"
}

const (
	// DefaultStartKeyword opens the registration flow.
	DefaultStartKeyword = "daftar"
	// DefaultTTL is how long an untouched conversation is kept.
	DefaultTTL = 30 * time.Minute

	fieldDelimiter = "|"
	fieldCount     = 4
	nikLength      = 16
)

var dateRE = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// Outbound is a message to send back to the requester.
type Outbound struct {
	Text string
}

// Reply is the result of Respond: the text for the requester and, when a
// registration was accepted, its id.
type Reply struct {
	Text           string
	RegistrationID uint
}

// Submitter accepts a captured registration request.
type Submitter interface {
	Submit(ctx context.Context, req services.RegistrationRequest) (uint, error)
}

type entry struct {
	step     Step
	lastSeen time.Time
}

// Engine holds the conversation state of every active requester.
type Engine struct {
	StartKeyword string
	TTL          time.Duration
	Submitter    Submitter

	now   func() time.Time
	locks *keyedMutex

	mu     sync.Mutex
	states map[string]*entry
	lastGC time.Time
}

// New returns an Engine that forwards captured requests to sub.
// A blank keyword or non-positive ttl selects the defaults.
func New(sub Submitter, keyword string, ttl time.Duration) *Engine {
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	if keyword == "" {
		keyword = DefaultStartKeyword
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Engine{
		StartKeyword: keyword,
		TTL:          ttl,
		Submitter:    sub,
		now:          time.Now,
		locks:        newKeyedMutex(),
		states:       make(map[string]*entry),
	}
}

// HandleTurn advances requesterID's conversation with rawText. It returns
// the message to send back and, on a well-formed data turn, the captured
// request.
func (e *Engine) HandleTurn(requesterID, rawText string) (Outbound, *services.RegistrationRequest) {
	unlock := e.locks.Lock(requesterID)
	defer unlock()
	return e.turn(requesterID, rawText)
}

// Respond runs a turn and, when it yields a request, submits it while still
// holding the requester's lock. State is back at idle whether or not the
// submit succeeds.
func (e *Engine) Respond(ctx context.Context, requesterID, rawText string) Reply {
	unlock := e.locks.Lock(requesterID)
	defer unlock()

	out, req := e.turn(requesterID, rawText)
	if req == nil {
		return Reply{Text: out.Text}
	}
	if e.Submitter == nil {
		return Reply{Text: msgBackendDown}
	}

	id, err := e.Submitter.Submit(ctx, *req)
	if err != nil {
		if ve, ok := services.AsValidationError(err); ok {
			return Reply{Text: invalidText(e.StartKeyword, ve.Fields)}
		}
		log.Error().Err(err).Msg("submit from conversation failed")
		return Reply{Text: msgBackendDown}
	}
	return Reply{Text: queuedText(id), RegistrationID: id}
}

// Reset drops requesterID's state; the next turn starts from idle.
func (e *Engine) Reset(requesterID string) {
	unlock := e.locks.Lock(requesterID)
	defer unlock()

	e.mu.Lock()
	delete(e.states, requesterID)
	e.mu.Unlock()
}

// State reports requesterID's current step.
func (e *Engine) State(requesterID string) Step {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.states[requesterID]; ok && !e.expired(st, e.now()) {
		return st.step
	}
	return StepIdle
}

// Len reports the number of tracked conversations.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.states)
}

// turn runs the state machine; the caller holds the requester's lock.
func (e *Engine) turn(requesterID, rawText string) (Outbound, *services.RegistrationRequest) {
	now := e.now()
	step := e.load(requesterID, now)
	text := strings.TrimSpace(rawText)

	switch step {
	case StepAwaitingData:
		out, req := e.parseData(requesterID, text)
		if req != nil {
			e.store(requesterID, StepIdle, now)
		} else {
			e.store(requesterID, StepAwaitingData, now)
		}
		return out, req

	default:
		if strings.EqualFold(text, e.StartKeyword) {
			e.store(requesterID, StepAwaitingData, now)
			return Outbound{Text: instructionsText()}, nil
		}
		e.store(requesterID, StepIdle, now)
		return Outbound{Text: welcomeText(e.StartKeyword)}, nil
	}
}

func (e *Engine) parseData(requesterID, text string) (Outbound, *services.RegistrationRequest) {
	parts := strings.Split(text, fieldDelimiter)
	if len(parts) != fieldCount {
		return Outbound{Text: msgFormatError}, nil
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	name, nik, branch, date := parts[0], parts[1], parts[2], parts[3]

	if !isDigits(nik) || len(nik) != nikLength {
		return Outbound{Text: msgNIKError}, nil
	}
	if !dateRE.MatchString(date) {
		return Outbound{Text: msgDateError}, nil
	}

	return Outbound{}, &services.RegistrationRequest{
		WhatsappID:    requesterID,
		Name:          name,
		NIK:           nik,
		BranchCode:    cases.Upper(language.Und).String(branch),
		DateRequested: date,
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func (e *Engine) expired(st *entry, now time.Time) bool {
	return now.Sub(st.lastSeen) > e.TTL
}

func (e *Engine) load(requesterID string, now time.Time) Step {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[requesterID]
	if !ok || e.expired(st, now) {
		return StepIdle
	}
	return st.step
}

// store records the step; idle is the absence of an entry. It also runs a
// sweep of expired entries at most once per TTL.
func (e *Engine) store(requesterID string, step Step, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if step == StepIdle {
		delete(e.states, requesterID)
	} else {
		e.states[requesterID] = &entry{step: step, lastSeen: now}
	}

	if now.Sub(e.lastGC) < e.TTL {
		return
	}
	for id, st := range e.states {
		if e.expired(st, now) {
			delete(e.states, id)
		}
	}
	e.lastGC = now
}
