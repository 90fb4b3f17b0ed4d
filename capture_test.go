package cachingproxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func newTestCapturer(host string, rt roundTripFunc) *Capturer {
	return newCapturer(&http.Client{Transport: rt}, host, zerolog.Nop(), nil)
}

func TestCaptureSanitizesHeaders(t *testing.T) {
	var seen *http.Request
	c := newTestCapturer("", func(r *http.Request) (*http.Response, error) {
		seen = r
		return &http.Response{
			StatusCode: http.StatusAccepted,
			Header: http.Header{
				"Content-Encoding":  {"br"},
				"Content-Length":    {"5"},
				"Transfer-Encoding": {"chunked"},
				"Connection":        {"keep-alive"},
				"Content-Type":      {"text/plain", "text/html"},
				"X-Cache":           {"HIT from elsewhere"},
			},
			Body:    io.NopCloser(strings.NewReader("hello")),
			Request: r,
		}, nil
	})

	live, record, err := c.Capture(context.Background(), "http://origin.test/a/b", "x=1&y=2")
	if err != nil {
		t.Fatal(err)
	}
	if seen.URL.String() != "http://origin.test/a/b?x=1&y=2" || seen.Method != http.MethodGet {
		t.Fatalf("Origin request was %s %s", seen.Method, seen.URL)
	}

	want := map[string]string{"Content-Type": "text/html"}
	for name, headers := range map[string]map[string]string{"live": live.Headers, "record": record.Headers} {
		for _, framing := range []string{"Content-Encoding", "Content-Length", "Transfer-Encoding", "Connection"} {
			if _, ok := headers[framing]; ok {
				t.Errorf("%s headers contain %s", name, framing)
			}
		}
		if headers["Content-Type"] != want["Content-Type"] {
			t.Errorf("%s Content-Type is %q", name, headers["Content-Type"])
		}
	}
	if live.Headers["X-Cache"] != "MISS" || record.Headers["X-Cache"] != "HIT" {
		t.Fatalf("Markers are live=%s record=%s", live.Headers["X-Cache"], record.Headers["X-Cache"])
	}
	if live.StatusCode != http.StatusAccepted || record.StatusCode != http.StatusAccepted {
		t.Fatalf("Status codes are live=%d record=%d", live.StatusCode, record.StatusCode)
	}
	if string(live.Body) != "hello" || record.Content != "hello" {
		t.Fatalf("Bodies are live=%q record=%q", live.Body, record.Content)
	}
}

func TestCaptureWithoutQuery(t *testing.T) {
	var target string
	c := newTestCapturer("", func(r *http.Request) (*http.Response, error) {
		target = r.URL.String()
		return &http.Response{StatusCode: 200, Header: http.Header{}, Body: io.NopCloser(strings.NewReader(""))}, nil
	})
	if _, _, err := c.Capture(context.Background(), "http://origin.test/", ""); err != nil {
		t.Fatal(err)
	}
	if target != "http://origin.test/" {
		t.Fatalf("Origin request went to %s", target)
	}
}

func TestCaptureHostOverride(t *testing.T) {
	var host string
	c := newTestCapturer("www.example.com", func(r *http.Request) (*http.Response, error) {
		host = r.Host
		return &http.Response{StatusCode: 200, Header: http.Header{}, Body: io.NopCloser(strings.NewReader(""))}, nil
	})
	if _, _, err := c.Capture(context.Background(), "http://127.0.0.1:8080/", ""); err != nil {
		t.Fatal(err)
	}
	if host != "www.example.com" {
		t.Fatalf("Host is %s", host)
	}
}

func TestCaptureTransportError(t *testing.T) {
	calls := 0
	c := newTestCapturer("", func(r *http.Request) (*http.Response, error) {
		calls++
		return nil, errors.New("connection refused")
	})
	_, _, err := c.Capture(context.Background(), "http://origin.test/", "")
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("Error is %v", err)
	}
	if calls != 1 {
		t.Fatalf("Origin contacted %d times", calls)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}

func TestCaptureTruncatedBody(t *testing.T) {
	c := newTestCapturer("", func(r *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: 200, Header: http.Header{}, Body: io.NopCloser(failingReader{})}, nil
	})
	_, _, err := c.Capture(context.Background(), "http://origin.test/", "")
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("Error is %v", err)
	}
}

func TestDecodeText(t *testing.T) {
	tests := []struct {
		name        string
		body        []byte
		contentType string
		want        string
	}{
		{"utf-8 without charset", []byte("café"), "text/plain", "café"},
		{"no content type", []byte("plain"), "", "plain"},
		{"latin-1", []byte("caf\xe9"), "text/plain; charset=ISO-8859-1", "café"},
		{"windows-1252", []byte("\x93quoted\x94"), "text/html; charset=windows-1252", "“quoted”"},
		{"unknown charset", []byte("abc"), "text/plain; charset=x-unknown", "abc"},
		{"invalid utf-8", []byte("a\xffb"), "application/octet-stream", "a\uFFFDb"},
		{"malformed content type", []byte("ok"), "text/plain; charset", "ok"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decodeText(tt.body, tt.contentType); got != tt.want {
				t.Fatalf("decodeText = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOriginTransportUsesResolver(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("resolved"))
	}))
	defer origin.Close()
	_, port, _ := net.SplitHostPort(origin.Listener.Addr().String())

	resolver := &dnscache.Resolver{}
	client := newOriginClient(resolver, "", time.Second)

	res, err := client.Get("http://localhost:" + port + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if string(body) != "resolved" {
		t.Fatalf("Body is %s", body)
	}
}

func TestOriginTransportServerName(t *testing.T) {
	tr := newOriginTransport(nil, "www.example.com")
	if tr.TLSClientConfig == nil || tr.TLSClientConfig.ServerName != "www.example.com" {
		t.Fatalf("TLS config is %+v", tr.TLSClientConfig)
	}
	if newOriginTransport(nil, "").DialContext == nil {
		t.Fatal("Default dialer missing")
	}
}
