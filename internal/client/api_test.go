package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/site-safety/backend/internal/handler"
	"github.com/zhouzirui/site-safety/backend/internal/middleware"
	"github.com/zhouzirui/site-safety/backend/internal/model/session"
	sessionService "github.com/zhouzirui/site-safety/backend/internal/service/session"
)

type scriptedVision struct{}

func (scriptedVision) ProposeKeywords(context.Context, session.Image) ([]string, error) {
	return []string{"no helmet"}, nil
}

func (scriptedVision) Describe(_ context.Context, _ session.Image, keywords []string) (string, error) {
	return "Workers near scaffolding; concern: " + keywords[0], nil
}

type scriptedResponder struct{ fail bool }

func (r scriptedResponder) Respond(_ context.Context, grounding *session.Session, message string) (string, error) {
	if r.fail {
		return "", errors.New("model unavailable")
	}
	return grounding.Analysis.Keywords[0] + ": " + message, nil
}

func newTestServer(t *testing.T, responder scriptedResponder, limiter *middleware.RateLimiter) *HTTPClient {
	t.Helper()
	coordinator := sessionService.New(session.NewMemoryStore(), scriptedVision{}, responder, sessionService.Config{})
	srv := httptest.NewServer(handler.NewRouter(handler.Options{
		Coordinator: coordinator,
		Limiter:     limiter,
	}))
	t.Cleanup(srv.Close)
	return NewHTTPClient(srv.URL, srv.Client())
}

func TestHTTPClientRoundTrip(t *testing.T) {
	api := newTestServer(t, scriptedResponder{}, nil)
	ctx := context.Background()

	require.NoError(t, api.Health(ctx))

	res, err := api.Analyze(ctx, Image{Name: "site.png", Data: pngBytes(t), MIMEType: "image/png"}, "No Helmet")
	require.NoError(t, err)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, []string{"no helmet"}, res.Keywords)

	reply, err := api.Chat(ctx, res.SessionID, "What is the main hazard?")
	require.NoError(t, err)
	assert.Equal(t, "no helmet: What is the main hazard?", reply.Response)
	require.Len(t, reply.ChatHistory, 2)

	snap, err := api.Session(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, reply.ChatHistory, snap.ChatHistory)

	require.NoError(t, api.EndSession(ctx, res.SessionID))
	require.NoError(t, api.EndSession(ctx, res.SessionID))

	_, err = api.Chat(ctx, res.SessionID, "still there?")
	require.ErrorIs(t, err, session.ErrSessionNotFound)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestHTTPClientMapsErrors(t *testing.T) {
	api := newTestServer(t, scriptedResponder{fail: true}, nil)
	ctx := context.Background()

	_, err := api.Analyze(ctx, Image{Name: "bad.png", Data: []byte("not an image"), MIMEType: "image/png"}, "")
	require.ErrorIs(t, err, session.ErrDecode)

	res, err := api.Analyze(ctx, Image{Name: "site.png", Data: pngBytes(t), MIMEType: "image/png"}, "")
	require.NoError(t, err)

	_, err = api.Chat(ctx, res.SessionID, "hello")
	require.ErrorIs(t, err, session.ErrGeneration)

	_, err = api.Chat(ctx, res.SessionID, "   ")
	require.ErrorIs(t, err, session.ErrValidation)

	snap, err := api.Session(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Empty(t, snap.ChatHistory, "failed turns must not be persisted")
}

func TestHTTPClientRateLimited(t *testing.T) {
	api := newTestServer(t, scriptedResponder{}, middleware.NewRateLimiter(1, 1))
	ctx := context.Background()

	_, err := api.Chat(ctx, "missing", "hello")
	require.ErrorIs(t, err, session.ErrSessionNotFound)

	_, err = api.Chat(ctx, "missing", "hello")
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestControllerAgainstServer(t *testing.T) {
	api := newTestServer(t, scriptedResponder{}, nil)
	c := NewController(api)

	require.NoError(t, c.SelectImage("site.png", pngBytes(t)))
	require.NoError(t, c.Analyze(context.Background(), ""))
	first := c.View().SessionID
	require.NotEmpty(t, first)

	require.NoError(t, c.SendChat(context.Background(), "Is fall protection needed?"))

	snap, err := api.Session(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, c.View().Conversation, snap.ChatHistory)

	require.NoError(t, c.SelectImage("next.png", pngBytes(t)))
	c.Wait()

	_, err = api.Session(context.Background(), first)
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}
