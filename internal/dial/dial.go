// Package dial establishes the bidirectional byte pipe the mux core
// treats as an external collaborator (spec.md §1, §6): it parses a
// connect URL, traverses an optional HTTP CONNECT proxy, and performs
// whichever scheme-specific upgrade the URL names before handing a
// plain io.ReadWriteCloser to session.NewClient. The core never
// imports this package; cmd/rmux-client wires the two together.
package dial

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"nhooyr.io/websocket"

	"github.com/quic-go/quic-go"

	"github.com/sollardo/rmux/internal/config"
)

// DefaultTimeout bounds how long Dial waits for the transport to
// establish, matching the reference client's fixed 5-second connect
// timeout (spec.md §5).
const DefaultTimeout = 5 * time.Second

// alpnProtocol is advertised over TLS for the quic scheme so a
// multi-protocol listener can select the rmux handler; the h2 scheme
// advertises "h2" instead.
const alpnProtocol = "rmux/1"

// Dial establishes the transport named by cfg.URL and returns it as a
// plain byte pipe. Supported schemes: rmux (raw TCP), ws, wss, h2,
// quic. A bare host:port with no scheme is treated as rmux://.
func Dial(ctx context.Context, cfg *config.Config) (io.ReadWriteCloser, error) {
	raw := cfg.URL
	if !strings.Contains(raw, "://") {
		raw = "rmux://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("dial: invalid connect url %q: %w", cfg.URL, err)
	}

	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	switch u.Scheme {
	case "rmux":
		return dialTCP(ctx, u.Host, cfg.Proxy)
	case "ws", "wss":
		return dialWS(ctx, u, cfg)
	case "h2":
		return dialH2(ctx, u, cfg)
	case "quic":
		return dialQUIC(ctx, u, cfg)
	default:
		return nil, fmt.Errorf("dial: unsupported scheme %q", u.Scheme)
	}
}

// dialTCP opens a raw TCP connection to addr, traversing proxyURL
// with an HTTP CONNECT if one is configured, mirroring the original
// client's http_proxy_connect helper.
func dialTCP(ctx context.Context, addr, proxyURL string) (net.Conn, error) {
	if proxyURL == "" {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial: tcp connect to %s: %w", addr, err)
		}
		return conn, nil
	}
	return httpConnectProxy(ctx, proxyURL, addr)
}

// httpConnectProxy dials proxyURL and issues an HTTP CONNECT for
// target, returning the tunneled connection once the proxy answers
// 200. proxyURL's userinfo, if present, becomes Proxy-Authorization.
func httpConnectProxy(ctx context.Context, proxyURL, target string) (net.Conn, error) {
	pu, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("dial: invalid proxy url %q: %w", proxyURL, err)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", pu.Host)
	if err != nil {
		return nil, fmt.Errorf("dial: connecting to proxy %s: %w", pu.Host, err)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	if pu.User != nil {
		pass, _ := pu.User.Password()
		req.SetBasicAuth(pu.User.Username(), pass)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("dial: writing CONNECT request: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dial: reading CONNECT response: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("dial: proxy CONNECT failed: status %s", resp.Status)
	}
	return conn, nil
}

// tlsConfig builds the TLS client config shared by wss/h2/quic,
// setting the server name from cfg.SNI when the caller wants SNI
// fronting distinct from the dial host.
func tlsConfig(u *url.URL, cfg *config.Config, alpn ...string) *tls.Config {
	serverName := u.Hostname()
	if cfg.SNI != "" {
		serverName = cfg.SNI
	}
	return &tls.Config{
		ServerName: serverName,
		NextProtos: alpn,
		MinVersion: tls.VersionTLS12,
	}
}

// dialWS upgrades to a WebSocket connection and presents it as a
// plain net.Conn via websocket.NetConn, so the mux core never sees
// WebSocket framing above its own wire format.
func dialWS(ctx context.Context, u *url.URL, cfg *config.Config) (io.ReadWriteCloser, error) {
	opts := &websocket.DialOptions{}
	if u.Scheme == "wss" {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsConfig(u, cfg),
				Proxy:           proxyFunc(cfg.Proxy),
			},
		}
	} else if cfg.Proxy != "" {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{Proxy: proxyFunc(cfg.Proxy)},
		}
	}

	conn, _, err := websocket.Dial(ctx, u.String(), opts)
	if err != nil {
		return nil, fmt.Errorf("dial: websocket dial: %w", err)
	}
	return websocket.NetConn(context.Background(), conn, websocket.MessageBinary), nil
}

func proxyFunc(proxyURL string) func(*http.Request) (*url.URL, error) {
	if proxyURL == "" {
		return nil
	}
	return func(*http.Request) (*url.URL, error) {
		return url.Parse(proxyURL)
	}
}

// dialH2 opens one long-lived HTTP/2 request/response pair and uses
// the request body as the write half, the response body as the read
// half, mirroring the teacher's H2Transport.Dial.
func dialH2(ctx context.Context, u *url.URL, cfg *config.Config) (io.ReadWriteCloser, error) {
	transport := &http2.Transport{
		TLSClientConfig: tlsConfig(u, cfg, "h2"),
	}

	pr, pw := io.Pipe()
	reqURL := *u
	reqURL.Scheme = "https"
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, reqURL.String(), pr)
	if err != nil {
		pw.Close()
		return nil, fmt.Errorf("dial: building h2 request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resultCh := make(chan struct {
		resp *http.Response
		err  error
	}, 1)
	go func() {
		resp, err := transport.RoundTrip(req)
		resultCh <- struct {
			resp *http.Response
			err  error
		}{resp, err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			pw.Close()
			return nil, fmt.Errorf("dial: h2 round trip: %w", r.err)
		}
		if r.resp.StatusCode != http.StatusOK {
			pw.Close()
			r.resp.Body.Close()
			return nil, fmt.Errorf("dial: h2 dial: status %s", r.resp.Status)
		}
		return &h2Conn{reader: r.resp.Body, writer: pw}, nil
	case <-ctx.Done():
		pw.Close()
		return nil, fmt.Errorf("dial: h2 dial timed out: %w", ctx.Err())
	}
}

type h2Conn struct {
	reader io.ReadCloser
	writer io.WriteCloser
}

func (c *h2Conn) Read(p []byte) (int, error)  { return c.reader.Read(p) }
func (c *h2Conn) Write(p []byte) (int, error) { return c.writer.Write(p) }
func (c *h2Conn) Close() error {
	werr := c.writer.Close()
	rerr := c.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// dialQUIC dials a QUIC connection and opens exactly one bidirectional
// stream as the byte pipe, mirroring the teacher's QUICTransport.Dial.
func dialQUIC(ctx context.Context, u *url.URL, cfg *config.Config) (io.ReadWriteCloser, error) {
	tc := tlsConfig(u, cfg, alpnProtocol)
	conn, err := quic.DialAddr(ctx, u.Host, tc, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: quic dial: %w", err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "stream open failed")
		return nil, fmt.Errorf("dial: quic open stream: %w", err)
	}
	return &quicConn{conn: conn, stream: stream}, nil
}

type quicConn struct {
	conn   quic.Connection
	stream quic.Stream
}

func (c *quicConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicConn) Write(p []byte) (int, error) { return c.stream.Write(p) }
func (c *quicConn) Close() error {
	c.stream.Close()
	return c.conn.CloseWithError(0, "closed")
}
