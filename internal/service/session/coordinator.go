package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/zhouzirui/site-safety/backend/internal/media"
	"github.com/zhouzirui/site-safety/backend/internal/metrics"
	"github.com/zhouzirui/site-safety/backend/internal/model/session"
	"github.com/zhouzirui/site-safety/backend/internal/service/ai"
)

const maxCreateAttempts = 3

// Config tunes the coordinator.
type Config struct {
	Image media.Config
	// IdleTTL is how long an untouched session survives (0 = forever).
	IdleTTL time.Duration
	// SweepInterval is how often idle sessions are looked for.
	SweepInterval time.Duration
}

// Result is returned by CreateAnalysis.
type Result struct {
	SessionID   string   `json:"session_id"`
	Keywords    []string `json:"keywords"`
	Description string   `json:"description"`
}

// Reply is returned by Converse.
type Reply struct {
	Response     string         `json:"response"`
	Conversation []session.Turn `json:"chat_history"`
}

// Coordinator issues sessions, grounds chat turns in them and disposes of them.
type Coordinator struct {
	store     session.Store
	vision    ai.VisionAnalyzer
	responder ai.Responder
	cfg       Config
	now       func() time.Time
	newID     func() string
	// trackActive is false for shared stores, whose live count no single process knows.
	trackActive bool

	mu    sync.Mutex
	locks map[string]*turnLock

	cancelSweep context.CancelFunc
	sweepDone   chan struct{}
}

// turnLock serializes Converse calls on one session. refs counts holders and waiters so
// the entry can be dropped once nobody needs it.
type turnLock struct {
	sem  *semaphore.Weighted
	refs int
}

// New wires a coordinator over the given store and model collaborators.
func New(store session.Store, vision ai.VisionAnalyzer, responder ai.Responder, cfg Config) *Coordinator {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	_, shared := store.(session.TurnLocker)
	return &Coordinator{
		store:       store,
		vision:      vision,
		responder:   responder,
		cfg:         cfg,
		now:         time.Now,
		newID:       uuid.NewString,
		trackActive: !shared,
		locks:       make(map[string]*turnLock),
	}
}

// CreateAnalysis normalizes the image, runs the visual analysis and stores a new session.
// The session only becomes reachable after the analysis fully succeeded.
func (c *Coordinator) CreateAnalysis(ctx context.Context, image []byte, keywordHint string) (*Result, error) {
	if len(image) == 0 {
		metrics.RecordAnalysis(session.CodeValidation)
		return nil, fmt.Errorf("%w: image is required", session.ErrValidation)
	}

	normalized, err := media.Normalize(image, c.cfg.Image)
	if err != nil {
		metrics.RecordAnalysis(session.CodeDecode)
		return nil, fmt.Errorf("%w: %w", session.ErrDecode, err)
	}

	img := session.Image{
		Data:     normalized.Data,
		MIMEType: normalized.MIMEType,
		Width:    normalized.Width,
		Height:   normalized.Height,
	}

	var keywords []string
	if hint := strings.ToLower(strings.TrimSpace(keywordHint)); hint != "" {
		keywords = []string{hint}
	} else {
		start := c.now()
		keywords, err = c.vision.ProposeKeywords(ctx, img)
		observeModelCall("propose", start, err)
		if err != nil {
			metrics.RecordAnalysis(session.CodeAnalysis)
			return nil, fmt.Errorf("%w: keyword proposal: %w", session.ErrAnalysis, err)
		}
	}

	start := c.now()
	description, err := c.vision.Describe(ctx, img, keywords)
	observeModelCall("describe", start, err)
	if err != nil {
		metrics.RecordAnalysis(session.CodeAnalysis)
		return nil, fmt.Errorf("%w: description: %w", session.ErrAnalysis, err)
	}

	now := c.now().UTC()
	sess := &session.Session{
		Image:        img,
		Analysis:     session.Analysis{Keywords: keywords, Description: description},
		Conversation: []session.Turn{},
		CreatedAt:    now,
		LastActiveAt: now,
	}

	for attempt := 0; ; attempt++ {
		sess.ID = c.newID()
		err = c.store.Create(ctx, sess)
		if err == nil {
			break
		}
		if !errors.Is(err, session.ErrSessionExists) || attempt+1 == maxCreateAttempts {
			metrics.RecordAnalysis("error")
			return nil, fmt.Errorf("failed to store session: %w", err)
		}
	}

	metrics.RecordAnalysis("success")
	if c.trackActive {
		metrics.RecordSessionStart()
	}
	log.Printf("[session] created session=%s keywords=%d resized=%v", sess.ID, len(keywords), normalized.WasResized)

	return &Result{
		SessionID:   sess.ID,
		Keywords:    append([]string(nil), keywords...),
		Description: description,
	}, nil
}

// Converse answers message in the context of session id and appends the user and
// assistant turns. Nothing is persisted unless the reply was generated.
func (c *Coordinator) Converse(ctx context.Context, id, message string) (*Reply, error) {
	if strings.TrimSpace(message) == "" {
		metrics.RecordChatTurn(session.CodeValidation)
		return nil, fmt.Errorf("%w: message is required", session.ErrValidation)
	}
	if id == "" {
		metrics.RecordChatTurn(session.CodeSessionNotFound)
		return nil, session.ErrSessionNotFound
	}

	release, err := c.acquire(ctx, id)
	if err != nil {
		metrics.RecordChatTurn("canceled")
		return nil, fmt.Errorf("waiting for session %s: %w", id, err)
	}
	defer release()

	sess, err := c.store.Get(ctx, id)
	if err != nil {
		metrics.RecordChatTurn(statusOf(err))
		return nil, err
	}

	start := c.now()
	response, err := c.responder.Respond(ctx, sess, message)
	observeModelCall("respond", start, err)
	if err != nil {
		metrics.RecordChatTurn(session.CodeGeneration)
		return nil, fmt.Errorf("%w: %w", session.ErrGeneration, err)
	}

	turns := []session.Turn{
		{Role: session.RoleUser, Content: message},
		{Role: session.RoleAssistant, Content: response},
	}
	if err := c.store.Append(ctx, id, len(sess.Conversation), turns...); err != nil {
		metrics.RecordChatTurn(statusOf(err))
		return nil, err
	}

	metrics.RecordChatTurn("success")
	return &Reply{
		Response:     response,
		Conversation: append(sess.Conversation, turns...),
	}, nil
}

// Session returns a snapshot of a live session.
func (c *Coordinator) Session(ctx context.Context, id string) (*session.Session, error) {
	if id == "" {
		return nil, session.ErrSessionNotFound
	}
	return c.store.Get(ctx, id)
}

// EndSession deletes the session and its image. Unknown ids are already ended.
func (c *Coordinator) EndSession(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}

	_, err := c.store.Get(ctx, id)
	existed := err == nil

	if err := c.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	if existed {
		if c.trackActive {
			metrics.RecordSessionEnd()
		}
		log.Printf("[session] ended session=%s", id)
	}
	return nil
}

// Start launches the idle sweeper when the store needs one.
func (c *Coordinator) Start(ctx context.Context) {
	sweeper, ok := c.store.(session.Sweeper)
	if !ok || c.cfg.IdleTTL <= 0 || c.cancelSweep != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancelSweep = cancel
	c.sweepDone = make(chan struct{})
	go c.sweepLoop(ctx, sweeper)
}

// Shutdown stops the sweeper and waits for it to finish.
func (c *Coordinator) Shutdown() {
	if c.cancelSweep != nil {
		c.cancelSweep()
		<-c.sweepDone
	}
}

func (c *Coordinator) sweepLoop(ctx context.Context, sweeper session.Sweeper) {
	defer close(c.sweepDone)

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepOnce(ctx, sweeper)
		}
	}
}

func (c *Coordinator) sweepOnce(ctx context.Context, sweeper session.Sweeper) int {
	removed, err := sweeper.Sweep(ctx, c.now().UTC().Add(-c.cfg.IdleTTL))
	if err != nil {
		log.Printf("[session] idle sweep failed: %v", err)
		return 0
	}
	if removed > 0 {
		metrics.RecordSessionsExpired(removed)
		log.Printf("[session] expired %d idle sessions", removed)
	}
	return removed
}

// acquire blocks until the caller holds the turn lock for id or ctx is done. Shared
// stores additionally lock the turn across processes.
func (c *Coordinator) acquire(ctx context.Context, id string) (func(), error) {
	release, err := c.acquireLocal(ctx, id)
	if err != nil {
		return nil, err
	}

	locker, ok := c.store.(session.TurnLocker)
	if !ok {
		return release, nil
	}
	unlock, err := locker.LockTurn(ctx, id)
	if err != nil {
		release()
		return nil, err
	}
	return func() {
		unlock()
		release()
	}, nil
}

func (c *Coordinator) acquireLocal(ctx context.Context, id string) (func(), error) {
	c.mu.Lock()
	lock, ok := c.locks[id]
	if !ok {
		lock = &turnLock{sem: semaphore.NewWeighted(1)}
		c.locks[id] = lock
	}
	lock.refs++
	c.mu.Unlock()

	if err := lock.sem.Acquire(ctx, 1); err != nil {
		c.unref(id, lock)
		return nil, err
	}

	return func() {
		lock.sem.Release(1)
		c.unref(id, lock)
	}, nil
}

func (c *Coordinator) unref(id string, lock *turnLock) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock.refs--
	if lock.refs == 0 && c.locks[id] == lock {
		delete(c.locks, id)
	}
}

func observeModelCall(operation string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordModelCall(operation, status, time.Since(start).Seconds())
}

func statusOf(err error) string {
	if code := session.Code(err); code != "" {
		return code
	}
	return "error"
}
