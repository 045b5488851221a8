package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/zulandar/supportline/internal/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewClient(ClientOpts{
		BaseURL:    srv.URL + "/api",
		Tokens:     oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok-1"}),
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)
	return c, srv
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	b, err := json.Marshal(v)
	require.NoError(t, err)
	_, _ = w.Write(b)
}

func TestNewClient_Validation(t *testing.T) {
	tokens := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "x"})

	_, err := NewClient(ClientOpts{Tokens: tokens})
	assert.ErrorContains(t, err, "base url is required")

	_, err = NewClient(ClientOpts{BaseURL: "http://x"})
	assert.ErrorContains(t, err, "token source is required")

	c, err := NewClient(ClientOpts{BaseURL: "http://x", Tokens: tokens})
	require.NoError(t, err)
	assert.Equal(t, defaultPageSize, c.pageSize)
	assert.Equal(t, defaultTimeout, c.http.Timeout)
}

func TestListConversations(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/supportchat/my-chats", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("pageNumber"))
		assert.Equal(t, "20", r.URL.Query().Get("pageSize"))
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))

		page := models.NewPage([]models.Conversation{{ID: "c1", Subject: "Billing", Status: models.StatusOpen}}, 2, 20, 21)
		writeJSON(t, w, http.StatusOK, Envelope[models.Page[models.Conversation]]{Success: true, Data: page})
	})

	page, err := c.ListConversations(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "c1", page.Items[0].ID)
	assert.Equal(t, models.StatusOpen, page.Items[0].Status)
	assert.Equal(t, 2, page.TotalPages)
	assert.True(t, page.HasPreviousPage)
	assert.False(t, page.HasNextPage)
}

func TestListConversations_ClampsPage(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("pageNumber"))
		writeJSON(t, w, http.StatusOK, Envelope[models.Page[models.Conversation]]{
			Success: true,
			Data:    models.NewPage[models.Conversation](nil, 1, 20, 0),
		})
	})

	page, err := c.ListConversations(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestFetchHistory(t *testing.T) {
	sent := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/supportchat/c%2F1/messages", r.URL.EscapedPath())
		writeJSON(t, w, http.StatusOK, Envelope[[]models.Message]{
			Success: true,
			Data: []models.Message{
				{ID: "m1", ConversationID: "c/1", SenderID: "u1", Content: "hi", SentAt: sent},
			},
		})
	})

	msgs, err := c.FetchHistory(context.Background(), "c/1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.True(t, msgs[0].SentAt.Equal(sent))
}

func TestFetchHistory_RequiresID(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected request")
	})
	_, err := c.FetchHistory(context.Background(), "")
	assert.ErrorContains(t, err, "conversation id is required")
}

func TestFetchHistory_CoalescesConcurrentCalls(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		writeJSON(t, w, http.StatusOK, Envelope[[]models.Message]{
			Success: true,
			Data:    []models.Message{{ID: "m1", ConversationID: "c1"}},
		})
	})

	var wg sync.WaitGroup
	results := make([][]models.Message, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msgs, err := c.FetchHistory(context.Background(), "c1")
			assert.NoError(t, err)
			results[i] = msgs
		}(i)
	}

	require.Eventually(t, func() bool { return hits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
	for _, msgs := range results {
		require.Len(t, msgs, 1)
		assert.Equal(t, "m1", msgs[0].ID)
	}
}

func TestFetchHistory_CallerCancel(t *testing.T) {
	release := make(chan struct{})
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		writeJSON(t, w, http.StatusOK, Envelope[[]models.Message]{Success: true})
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := c.FetchHistory(ctx, "c1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCreateConversation(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/supportchat", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req createRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "Refund", req.Subject)
		assert.Equal(t, "I was charged twice", req.InitialMessage)

		writeJSON(t, w, http.StatusOK, Envelope[models.Conversation]{
			Success: true,
			Data:    models.Conversation{ID: "c9", Subject: req.Subject, Status: models.StatusOpen},
		})
	})

	conv, err := c.CreateConversation(context.Background(), "Refund", "I was charged twice")
	require.NoError(t, err)
	assert.Equal(t, "c9", conv.ID)
	assert.Equal(t, "Refund", conv.Subject)
}

func TestCreateConversation_RequiresSubject(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected request")
	})
	_, err := c.CreateConversation(context.Background(), "", "hello")
	assert.ErrorContains(t, err, "subject is required")
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized},
		{"forbidden", http.StatusForbidden, ErrForbidden},
		{"rate limited", http.StatusTooManyRequests, ErrRateLimited},
		{"server", http.StatusBadGateway, ErrServer},
		{"not found", http.StatusNotFound, ErrRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(t, w, tt.status, Envelope[any]{Message: "nope"})
			})

			_, err := c.ListConversations(context.Background(), 1)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var apiErr *APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, "nope", apiErr.Message)
		})
	}
}

func TestErrorStatusWithoutEnvelope(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	_, err := c.FetchHistory(context.Background(), "c1")
	assert.ErrorIs(t, err, ErrServer)
	assert.Contains(t, err.Error(), "status 500")
}

func TestUnsuccessfulEnvelope(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, Envelope[any]{Success: false, Errors: []string{"subject too long"}})
	})

	_, err := c.CreateConversation(context.Background(), "x", "y")
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "subject too long")
}

func TestMalformedBody(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	})

	_, err := c.ListConversations(context.Background(), 1)
	assert.ErrorContains(t, err, "decode response")
}
