package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"supply-agent/internal/integrations/paramstore"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(
		paramstore.Static{"/supply-agent/gmail-token": `{"token":"ya29.test"}`},
		"/supply-agent",
		"procurement@example.com",
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	)
	require.NoError(t, err)
	return c
}

func b64(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(nil, "/p", "a@b.com")
	require.Error(t, err)
	_, err = NewClient(paramstore.Static{}, " ", "a@b.com")
	require.Error(t, err)
	_, err = NewClient(paramstore.Static{}, "/p", " ")
	require.Error(t, err)
	require.Contains(t, err.Error(), "sender")
}

func TestSend_EncodesRawMessageAndThread(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/gmail/v1/users/me/messages/send", r.URL.Path)
		require.Equal(t, "Bearer ya29.test", r.Header.Get("Authorization"))
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		require.Equal(t, "thread-1", in["threadId"])
		raw, err := base64.URLEncoding.DecodeString(in["raw"])
		require.NoError(t, err)
		require.Contains(t, string(raw), "To: sales@acme-steel.com\r\n")
		require.Contains(t, string(raw), "From: procurement@example.com\r\n")
		require.Contains(t, string(raw), "Subject: Re: Quotation\r\n")
		require.True(t, strings.HasSuffix(string(raw), "\r\n\r\nThank you."))
		_, _ = w.Write([]byte(`{"id":"m-2","threadId":"thread-1"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	out, err := c.Send(context.Background(), OutboundEmail{
		To: "sales@acme-steel.com", Subject: "Re: Quotation", Body: "Thank you.", ThreadID: "thread-1",
	})
	require.NoError(t, err)
	require.Equal(t, SentEmail{ID: "m-2", ThreadID: "thread-1"}, out)
}

func TestSend_NewThreadOmitsThreadID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		_, ok := in["threadId"]
		require.False(t, ok)
		_, _ = w.Write([]byte(`{"id":"m-1","threadId":"new-thread"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	out, err := c.Send(context.Background(), OutboundEmail{To: "a@b.com", Subject: "Hi", Body: "x"})
	require.NoError(t, err)
	require.Equal(t, "new-thread", out.ThreadID)
}

func TestSend_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Send(context.Background(), OutboundEmail{To: "a@b.com", Subject: "Hi", Body: "x"})
	require.Error(t, err)
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusUnauthorized, statusErr.HTTPStatusCode())
}

func TestSend_RequiresRecipient(t *testing.T) {
	c, err := NewClient(paramstore.Static{}, "/p", "a@b.com")
	require.NoError(t, err)
	_, err = c.Send(context.Background(), OutboundEmail{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "recipient")
}

func TestListUnread(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "is:unread from:(-me)", r.URL.Query().Get("q"))
		_, _ = w.Write([]byte(`{"messages":[{"id":"m1","threadId":"t1"},{"id":"m2","threadId":"t2"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	refs, err := c.ListUnread(context.Background())
	require.NoError(t, err)
	require.Equal(t, []InboundRef{{ID: "m1", ThreadID: "t1"}, {ID: "m2", ThreadID: "t2"}}, refs)
}

func TestListUnread_Empty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"resultSizeEstimate":0}`))
	}))
	defer srv.Close()

	refs, err := newTestClient(t, srv).ListUnread(context.Background())
	require.NoError(t, err)
	require.Empty(t, refs)
}

func TestGet_NestedMultipart(t *testing.T) {
	body := `{
		"id": "m1",
		"threadId": "t1",
		"payload": {
			"mimeType": "multipart/mixed",
			"headers": [
				{"name": "Subject", "value": "Quotation Request: rebar"},
				{"name": "From", "value": "Acme Steel <sales@acme-steel.com>"}
			],
			"parts": [
				{"mimeType": "multipart/alternative", "parts": [
					{"mimeType": "text/plain", "body": {"data": "` + b64("Unit price is 4.20 EUR.\n") + `"}},
					{"mimeType": "text/html", "body": {"data": "` + b64("<p>Unit price</p>") + `"}}
				]}
			]
		}
	}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/gmail/v1/users/me/messages/m1", r.URL.Path)
		require.Equal(t, "full", r.URL.Query().Get("format"))
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	msg, err := newTestClient(t, srv).Get(context.Background(), "m1")
	require.NoError(t, err)
	require.Equal(t, "Unit price is 4.20 EUR.", msg.Body)
	require.Equal(t, "Quotation Request: rebar", msg.Subject)
	require.Equal(t, "Acme Steel <sales@acme-steel.com>", msg.From)
	require.Equal(t, "t1", msg.ThreadID)
}

func TestGet_SinglePartWithoutSubject(t *testing.T) {
	body := `{"id":"m1","threadId":"t1","payload":{"mimeType":"text/plain","body":{"data":"` + b64("hello") + `"}}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	msg, err := newTestClient(t, srv).Get(context.Background(), "m1")
	require.NoError(t, err)
	require.Equal(t, "hello", msg.Body)
	require.Equal(t, "No Subject", msg.Subject)
}

func TestMarkRead(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		require.Equal(t, "/gmail/v1/users/me/messages/m1/modify", r.URL.Path)
		var in map[string][]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		require.Equal(t, []string{"UNREAD"}, in["removeLabelIds"])
		_, _ = w.Write([]byte(`{"id":"m1"}`))
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(t, srv).MarkRead(context.Background(), "m1"))
	require.True(t, called)
}

func TestResolveToken_CachedUntilTTL(t *testing.T) {
	calls := 0
	getter := countingGetter{calls: &calls, val: `{"token":"t"}`}
	c, err := NewClient(getter, "/p", "a@b.com")
	require.NoError(t, err)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	_, err = c.resolveToken(context.Background())
	require.NoError(t, err)
	_, err = c.resolveToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, calls)

	now = now.Add(tokenTTL + time.Second)
	_, err = c.resolveToken(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

type countingGetter struct {
	calls *int
	val   string
}

func (g countingGetter) GetParameter(_ context.Context, _ string) (string, error) {
	*g.calls++
	return g.val, nil
}
