package proxy

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// hopByHopRequestHeaders are stripped before forwarding the inbound request
// upstream. Host is re-derived by the transport from the dial address;
// Connection is per-hop; Accept-Encoding is stripped so the proxy never
// forwards a compressed response it would then mislabel.
var hopByHopRequestHeaders = []string{"Host", "Connection", "Accept-Encoding"}

// strippedResponseHeaders are removed from the upstream response before it
// is copied to the client. The transport has compression handling disabled,
// so the body is relayed as the upstream sent it, streamed without a length.
var strippedResponseHeaders = []string{"Content-Encoding", "Content-Length"}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Forwarder implements ReverseProxyForwarder (spec §4.I): streaming HTTP
// requests and WebSocket frames to the resolved upstream.
type Forwarder struct {
	transport http.RoundTripper
	dialer    *websocket.Dialer
	log       *slog.Logger
}

// NewForwarder builds a Forwarder whose WebSocket dialer has a 10 s handshake
// timeout. The HTTP transport sets no timeouts of its own; an upstream call
// is bounded only by the inbound request's context.
func NewForwarder(log *slog.Logger) *Forwarder {
	return &Forwarder{
		transport: &http.Transport{
			DisableCompression: true,
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// ForwardHTTP streams r to http://host:port<path><query> and copies the
// response back to w verbatim (modulo header hygiene). Upstream failures
// are surfaced as 502 and never panic the calling goroutine.
func (f *Forwarder) ForwardHTTP(w http.ResponseWriter, r *http.Request, host string, port int) {
	outURL := *r.URL
	outURL.Scheme = "http"
	outURL.Host = fmt.Sprintf("%s:%d", host, port)

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, outURL.String(), r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("building upstream request: %v", err), http.StatusBadGateway)
		return
	}
	outReq.Header = r.Header.Clone()
	for _, h := range hopByHopRequestHeaders {
		outReq.Header.Del(h)
	}
	outReq.ContentLength = r.ContentLength

	resp, err := f.transport.RoundTrip(outReq)
	if err != nil {
		f.log.Warn("upstream request failed", "host", host, "port", port, "error", err)
		http.Error(w, fmt.Sprintf("upstream unreachable: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	dst := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
	for _, h := range strippedResponseHeaders {
		dst.Del(h)
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		f.log.Warn("streaming upstream response body failed", "host", host, "port", port, "error", err)
	}
}

// ForwardWebSocket upgrades the inbound connection to a WebSocket only
// after a successful upstream handshake, then relays frames full-duplex
// until either side closes.
func (f *Forwarder) ForwardWebSocket(w http.ResponseWriter, r *http.Request, host string, port int) {
	outURL := *r.URL
	outURL.Scheme = "ws"
	outURL.Host = fmt.Sprintf("%s:%d", host, port)

	reqHeader := r.Header.Clone()
	for _, h := range hopByHopRequestHeaders {
		reqHeader.Del(h)
	}
	reqHeader.Del("Sec-WebSocket-Extensions")
	reqHeader.Del("Sec-WebSocket-Key")
	reqHeader.Del("Sec-WebSocket-Version")
	reqHeader.Del("Upgrade")

	upstreamConn, resp, err := f.dialer.DialContext(r.Context(), outURL.String(), reqHeader)
	if err != nil {
		f.log.Warn("upstream websocket handshake failed", "host", host, "port", port, "error", err)
		http.Error(w, fmt.Sprintf("upstream websocket unreachable: %v", err), http.StatusBadGateway)
		return
	}
	if resp != nil {
		defer resp.Body.Close()
	}
	defer upstreamConn.Close()

	clientConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.Warn("client websocket upgrade failed", "host", host, "port", port, "error", err)
		return
	}
	defer clientConn.Close()

	errc := make(chan error, 2)
	go relayWebSocket(clientConn, upstreamConn, errc)
	go relayWebSocket(upstreamConn, clientConn, errc)
	<-errc
}

// relayWebSocket copies frames from src to dst until one side errors or
// closes, then propagates an equivalent close to dst (code 1011 for any
// abnormal termination that did not itself carry a close code).
func relayWebSocket(dst, src *websocket.Conn, errc chan<- error) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			reason := err.Error()
			if ce, ok := err.(*websocket.CloseError); ok && ce.Code != websocket.CloseAbnormalClosure {
				code = ce.Code
				reason = ce.Text
			} else {
				code = websocket.CloseInternalServerErr // 1011, per spec: abnormal termination
			}
			closeMsg := websocket.FormatCloseMessage(code, reason)
			_ = dst.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(5*time.Second))
			errc <- err
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			errc <- err
			return
		}
	}
}
