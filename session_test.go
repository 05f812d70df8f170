package reqx

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession() *Session {
	return NewSession(WithMaxConnsPerHost(2))
}

func TestSessionRequestFollowsRedirectSameHost(t *testing.T) {
	t.Parallel()
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/end", http.StatusFound)
			return
		}
		w.Write([]byte("landed"))
	}))
	defer srv.Close()

	s := newTestSession()
	req, err := NewRequest("GET", srv.URL+"/start", NoBody)
	require.NoError(t, err)
	req.Options = DefaultRequestOptions()

	res, err := s.Request(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, "landed", string(res.Body))
	assert.Len(t, res.History, 1)
	assert.Equal(t, 2, hits)
}

func TestSessionRequestForbidsCrossHostRedirectUnderSameEndpoint(t *testing.T) {
	t.Parallel()
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("should not reach here"))
	}))
	defer other.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, other.URL+"/x", http.StatusFound)
	}))
	defer srv.Close()

	s := newTestSession()
	req, err := NewRequest("GET", srv.URL+"/start", NoBody)
	require.NoError(t, err)
	req.Options = RequestOptions{MaxRedirects: 5, Redirect: RedirectSameEndpoint}

	_, err = s.Request(context.Background(), req)
	require.Error(t, err)
	var rerr *RedirectError
	require.ErrorAs(t, err, &rerr)
	assert.ErrorIs(t, rerr.Kind, ErrForbiddenRedirect)
	assert.Empty(t, rerr.History, "a redirect rejected by policy must not be recorded in history")
}

func TestSessionRequestEnforceTLSRejectsPlainHTTP(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	s := newTestSession()
	req, err := NewRequest("GET", srv.URL+"/", NoBody)
	require.NoError(t, err)
	req.Options = RequestOptions{EnforceTLS: true, MaxRedirects: 5, Redirect: RedirectAny}

	_, err = s.Request(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsecure)
}

func TestSessionRequestCookieRoundTrip(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/set":
			http.SetCookie(w, &http.Cookie{Name: "sid", Value: "abc123"})
			w.Write([]byte("set"))
		case "/check":
			c, err := r.Cookie("sid")
			if err != nil {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte("cookie=" + c.Value))
		}
	}))
	defer srv.Close()

	s := newTestSession()

	req1, err := NewRequest("GET", srv.URL+"/set", NoBody)
	require.NoError(t, err)
	req1.Options = DefaultRequestOptions()
	_, err = s.Request(context.Background(), req1)
	require.NoError(t, err)

	req2, err := NewRequest("GET", srv.URL+"/check", NoBody)
	require.NoError(t, err)
	req2.Options = DefaultRequestOptions()
	res2, err := s.Request(context.Background(), req2)
	require.NoError(t, err)
	assert.Equal(t, "cookie=abc123", string(res2.Body))
}

func TestSessionRequestWarnsOnMalformedSetCookieButKeepsGoodOnes(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/set":
			w.Header().Add("Set-Cookie", "not-a-valid-cookie-no-equals")
			w.Header().Add("Set-Cookie", "sid=abc123")
			w.Write([]byte("set"))
		case "/check":
			c, err := r.Cookie("sid")
			if err != nil {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			w.Write([]byte("cookie=" + c.Value))
		}
	}))
	defer srv.Close()

	var logBuf bytes.Buffer
	s := NewSession(WithMaxConnsPerHost(2), WithLogger(slog.New(slog.NewTextHandler(&logBuf, nil))))

	req1, err := NewRequest("GET", srv.URL+"/set", NoBody)
	require.NoError(t, err)
	req1.Options = DefaultRequestOptions()
	_, err = s.Request(context.Background(), req1)
	require.NoError(t, err)
	assert.Contains(t, logBuf.String(), "dropped malformed Set-Cookie")
	assert.Contains(t, logBuf.String(), ErrInvalidCookie.Error())

	req2, err := NewRequest("GET", srv.URL+"/check", NoBody)
	require.NoError(t, err)
	req2.Options = DefaultRequestOptions()
	res2, err := s.Request(context.Background(), req2)
	require.NoError(t, err)
	assert.Equal(t, "cookie=abc123", string(res2.Body))
}

func TestSessionRopenStreamsFinalBody(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("streamed body"))
	}))
	defer srv.Close()

	s := newTestSession()
	req, err := NewRequest("GET", srv.URL+"/", NoBody)
	require.NoError(t, err)
	req.Options = DefaultRequestOptions()

	stream, history, err := s.Ropen(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, history)
	defer stream.Close()

	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, "streamed body", string(data))
}

func TestSessionRequestMaxRedirectsExceeded(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/loop", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	s := newTestSession()
	req, err := NewRequest("GET", srv.URL+"/loop", NoBody)
	require.NoError(t, err)
	req.Options = RequestOptions{MaxRedirects: 2, Redirect: RedirectAny}

	_, err = s.Request(context.Background(), req)
	require.Error(t, err)
	var rerr *RedirectError
	require.ErrorAs(t, err, &rerr)
	assert.ErrorIs(t, rerr.Kind, ErrTooManyRedirects)
	assert.Len(t, rerr.History, 2, "the hop that exceeded the budget must not itself be recorded")
}

func TestSessionDownloadFollowsRedirectsAndSetsAccept(t *testing.T) {
	t.Parallel()
	var gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/file.json", http.StatusFound)
			return
		}
		gotAccept = r.Header.Get("Accept")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := newTestSession()
	req, err := NewRequest("GET", srv.URL+"/start", NoBody)
	require.NoError(t, err)
	req.Options = DefaultRequestOptions()

	dest := filepath.Join(t.TempDir(), "out.json")
	res, err := s.Download(context.Background(), req, dest)
	require.NoError(t, err)
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, dest, res.BodyFile)
	assert.Equal(t, "application/json", gotAccept)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))
}

func TestSessionPoolForReusesSameKey(t *testing.T) {
	t.Parallel()
	s := newTestSession()
	u, err := url.Parse("http://example.com/x")
	require.NoError(t, err)
	p1 := s.poolFor(u)
	p2 := s.poolFor(u)
	assert.Same(t, p1, p2)
}
