package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/gorilla/websocket"
)

func TestForwardHTTPStripsRequestAndResponseHeaders(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Had-Host", r.Host)
		w.Header().Set("X-Had-Connection", r.Header.Get("Connection"))
		w.Header().Set("X-Had-Accept-Encoding", r.Header.Get("Accept-Encoding"))
		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Set("Content-Length", "2")
		io.WriteString(w, "hi")
	}))
	defer upstream.Close()

	host, port := splitHostPort(t, upstream.URL)
	f := NewForwarder(testLogger())

	req := httptest.NewRequest(http.MethodGet, "http://ignored.localhost/path", nil)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()

	f.ForwardHTTP(w, req, host, port)

	if got := w.Header().Get("X-Had-Connection"); got != "" {
		t.Fatalf("expected Connection stripped from outbound request, upstream saw %q", got)
	}
	if got := w.Header().Get("X-Had-Accept-Encoding"); got != "" {
		t.Fatalf("expected Accept-Encoding stripped from outbound request, upstream saw %q", got)
	}
	if got := w.Header().Get("Content-Encoding"); got != "" {
		t.Fatalf("expected Content-Encoding stripped from response, got %q", got)
	}
	if got := w.Header().Get("Content-Length"); got != "" {
		t.Fatalf("expected Content-Length stripped from response, got %q", got)
	}
	if w.Body.String() != "hi" {
		t.Fatalf("expected body streamed verbatim, got %q", w.Body.String())
	}
}

func TestForwardHTTPUnreachableUpstreamReturns502(t *testing.T) {
	f := NewForwarder(testLogger())
	req := httptest.NewRequest(http.MethodGet, "http://ignored.localhost/", nil)
	w := httptest.NewRecorder()

	f.ForwardHTTP(w, req, "127.0.0.1", 1) // port 1 is never a listening dev server

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 on unreachable upstream, got %d", w.Code)
	}
}

func TestForwardWebSocketRelaysFramesFullDuplex(t *testing.T) {
	upgrader := websocket.Upgrader{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upstream upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, append([]byte("echo:"), data...)); err != nil {
				return
			}
		}
	}))
	defer upstream.Close()

	host, port := splitHostPort(t, upstream.URL)
	f := NewForwarder(testLogger())

	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.ForwardWebSocket(w, r, host, port)
	}))
	defer proxySrv.Close()

	clientURL := "ws" + proxySrv.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(clientURL, nil)
	if err != nil {
		t.Fatalf("client dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "echo:hello" {
		t.Fatalf("expected echoed frame, got %q", data)
	}
}

func splitHostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return u.Hostname(), port
}
