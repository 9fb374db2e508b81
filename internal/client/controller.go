package client

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

const defaultEndTimeout = 10 * time.Second

// API is the part of the coordinator protocol the controller needs.
type API interface {
	Analyze(ctx context.Context, img Image, hint string) (*AnalyzeResult, error)
	Chat(ctx context.Context, sessionID, message string) (*ChatReply, error)
	EndSession(ctx context.Context, sessionID string) error
}

// Controller drives a Machine against the API. Its methods are safe to call from several
// goroutines; the machine decides which calls are admitted.
type Controller struct {
	api        API
	machine    *Machine
	endTimeout time.Duration

	ends sync.WaitGroup
}

// NewController creates a controller in the Idle state.
func NewController(api API) *Controller {
	return &Controller{
		api:        api,
		machine:    NewMachine(),
		endTimeout: defaultEndTimeout,
	}
}

// View returns the current client state.
func (c *Controller) View() View {
	return c.machine.View()
}

// SetDraft stores the uncommitted chat input.
func (c *Controller) SetDraft(text string) {
	c.machine.SetDraft(text)
}

// SelectImage replaces the pending image. Any in-flight request is cancelled and the
// previous session, if any, is ended in the background.
func (c *Controller) SelectImage(name string, data []byte) error {
	abandoned, err := c.machine.SelectImage(name, data)
	if err != nil {
		return err
	}
	c.endInBackground(abandoned)
	return nil
}

// Reset returns to Idle, cancelling in-flight work and ending the current session.
func (c *Controller) Reset() {
	c.endInBackground(c.machine.Reset())
}

// Analyze sends the pending image. It returns ErrStale when the request was superseded
// by SelectImage or Reset before the response arrived.
func (c *Controller) Analyze(ctx context.Context, hint string) error {
	ticket, abandoned, err := c.machine.BeginAnalyze()
	if err != nil {
		return err
	}
	c.endInBackground(abandoned)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.machine.Bind(ticket, cancel)
	res, err := c.api.Analyze(ctx, ticket.Image, hint)

	if cerr := c.machine.CompleteAnalyze(ticket, res, err); cerr != nil {
		// 服务端已经创建的会话无人持有，直接回收
		if err == nil && res != nil {
			c.endInBackground(res.SessionID)
		}
		return cerr
	}
	return err
}

// SendChat sends one chat turn. The user turn is recorded before the request goes out and
// kept if it fails.
func (c *Controller) SendChat(ctx context.Context, message string) error {
	ticket, err := c.machine.BeginChat(message)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.machine.Bind(ticket, cancel)
	reply, err := c.api.Chat(ctx, ticket.SessionID, ticket.Message)

	var text string
	if err == nil {
		text = reply.Response
	}
	if cerr := c.machine.CompleteChat(ticket, text, err); cerr != nil {
		return cerr
	}
	return err
}

// Close resets the controller and waits for background session cleanup to finish.
func (c *Controller) Close() {
	c.Reset()
	c.ends.Wait()
}

// Wait blocks until background session cleanup has finished.
func (c *Controller) Wait() {
	c.ends.Wait()
}

// endInBackground ends id best-effort. Failures are logged; idle expiry on the server
// removes whatever is left behind.
func (c *Controller) endInBackground(id string) {
	if id == "" {
		return
	}

	c.ends.Add(1)
	go func() {
		defer c.ends.Done()

		ctx, cancel := context.WithTimeout(context.Background(), c.endTimeout)
		defer cancel()

		if err := c.api.EndSession(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("[client] end session=%s failed: %v", id, err)
		}
	}()
}
