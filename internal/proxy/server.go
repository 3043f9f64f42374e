package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raysh454/scoop/internal/httpmsg"
	"github.com/raysh454/scoop/internal/interfaces"
	"github.com/raysh454/scoop/internal/logging"
)

var errBlocked = errors.New("proxy: destination blocked")

// Config describes how the proxy listens and reaches upstream servers.
type Config struct {
	Host string
	Port int

	DialTimeout time.Duration

	// CA terminates CONNECT tunnels so their traffic can be recorded. When
	// nil, tunnels are relayed blindly and nothing inside them is captured.
	CA *CertAuthority

	InsecureUpstreamTLS bool
	// UpstreamRootCAs replaces the system pool when verifying upstream servers.
	UpstreamRootCAs *x509.CertPool
}

// Server is an HTTP/1.x forward proxy that mirrors every byte it relays into
// an Interceptor.
type Server struct {
	cfg       Config
	ic        *Interceptor
	blocklist interfaces.Blocklist
	logger    logging.Logger
	dialer    *net.Dialer

	ctx    context.Context
	cancel context.CancelFunc

	ln     net.Listener
	wg     sync.WaitGroup
	nextID atomic.Uint64

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

// New creates a proxy. bl may be nil.
func New(cfg Config, ic *Interceptor, bl interfaces.Blocklist, logger logging.Logger) *Server {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:       cfg,
		ic:        ic,
		blocklist: bl,
		logger:    logger.With(logging.String("component", "proxy")),
		dialer:    &net.Dialer{KeepAlive: 30 * time.Second},
		ctx:       ctx,
		cancel:    cancel,
		conns:     make(map[net.Conn]struct{}),
	}
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("proxy: listen on %s: %w", addr, err)
	}
	s.ln = ln
	s.logger.Info("proxy listening", logging.String("addr", ln.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr is the bound host:port, useful when Port was 0.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close stops accepting, closes every open socket and waits for handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	s.cancel()
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.ctx.Err() != nil {
				return
			}
			s.logger.Debug("accept failed", logging.Err(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if !s.track(conn) {
			_ = conn.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(conn)
			s.handle(conn)
		}()
	}
}

func (s *Server) metrics() *Metrics { return s.ic.metrics }

func (s *Server) connError(stage string, err error) {
	s.logger.Debug("connection error", logging.String("stage", stage), logging.Err(err))
	if m := s.metrics(); m != nil {
		m.ConnErrorsTotal.WithLabelValues(stage).Inc()
	}
}

func (s *Server) blocked(candidate string) (string, bool) {
	if s.blocklist == nil {
		return "", false
	}
	return s.blocklist.Match(candidate)
}

func (s *Server) recordBlocked(match, rule, kind string) {
	s.ic.RecordBlocked(match, rule)
	if m := s.metrics(); m != nil {
		m.BlockedTotal.WithLabelValues(kind).Inc()
	}
}

func (s *Server) handle(client net.Conn) {
	defer client.Close()
	if m := s.metrics(); m != nil {
		m.ActiveConns.Inc()
		defer m.ActiveConns.Dec()
	}

	br := bufio.NewReader(client)
	head, err := httpmsg.ReadHead(br)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.connError("read_head", err)
		}
		return
	}
	req, err := httpmsg.ParseRequest(head)
	if err != nil {
		s.connError("parse_request", err)
		return
	}

	if req.Method == "CONNECT" {
		s.handleConnect(client, br, req)
		return
	}

	sess := s.newSession(client, br, "http", "")
	defer sess.close()
	sess.run(head, req)
}

func (s *Server) handleConnect(client net.Conn, br *bufio.Reader, req *httpmsg.Parsed) {
	authority := req.URL
	if _, _, err := net.SplitHostPort(authority); err != nil {
		authority = net.JoinHostPort(authority, "443")
	}
	if _, err := io.WriteString(client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		s.connError("connect_reply", err)
		return
	}

	if s.cfg.CA == nil {
		s.tunnel(client, br, authority)
		return
	}

	leaf, err := s.cfg.CA.IssueFor(authority)
	if err != nil {
		s.connError("issue_cert", err)
		return
	}
	tlsConn := tls.Server(&bufferedConn{Conn: client, r: br}, &tls.Config{
		Certificates: []tls.Certificate{leaf},
		NextProtos:   []string{"http/1.1"},
	})
	defer tlsConn.Close()

	hsCtx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
	err = tlsConn.HandshakeContext(hsCtx)
	cancel()
	if err != nil {
		s.connError("client_handshake", err)
		return
	}

	tbr := bufio.NewReader(tlsConn)
	head, err := httpmsg.ReadHead(tbr)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			s.connError("read_head", err)
		}
		return
	}
	inner, err := httpmsg.ParseRequest(head)
	if err != nil {
		s.connError("parse_request", err)
		return
	}

	sess := s.newSession(tlsConn, tbr, "https", authority)
	defer sess.close()
	sess.run(head, inner)
}

// tunnel relays a CONNECT stream without looking inside it.
func (s *Server) tunnel(client net.Conn, br *bufio.Reader, authority string) {
	upstream, err := s.dial(authority)
	if err != nil {
		if !errors.Is(err, errBlocked) {
			s.connError("dial", err)
		}
		return
	}
	defer s.untrack(upstream)
	pipe(client, br, upstream, upstream)
}

// dial opens a tracked upstream connection and enforces the address blocklist.
func (s *Server) dial(addr string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
	defer cancel()
	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if ip := remoteIP(conn); ip != "" {
		if rule, ok := s.blocked(ip); ok {
			_ = conn.Close()
			s.recordBlocked(ip, rule, "ip")
			return nil, errBlocked
		}
	}
	if !s.track(conn) {
		_ = conn.Close()
		return nil, net.ErrClosed
	}
	return conn, nil
}

func remoteIP(c net.Conn) string {
	if tcp, ok := c.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return ""
	}
	return host
}

// session relays requests from one client connection, plain or decrypted.
type session struct {
	s         *Server
	id        string
	scheme    string
	authority string

	client   net.Conn
	clientBR *bufio.Reader

	upstream    net.Conn
	upstreamRaw net.Conn
	upstreamBR  *bufio.Reader
	upstreamKey string
}

func (s *Server) newSession(client net.Conn, br *bufio.Reader, scheme, authority string) *session {
	id := "conn-" + strconv.FormatUint(s.nextID.Add(1), 10)
	s.ic.OpenConn(id, scheme)
	return &session{s: s, id: id, scheme: scheme, authority: authority, client: client, clientBR: br}
}

func (ss *session) close() {
	ss.dropUpstream()
	ss.s.ic.CloseConn(ss.id)
}

func (ss *session) dropUpstream() {
	if ss.upstream == nil {
		return
	}
	_ = ss.upstream.Close()
	ss.s.untrack(ss.upstreamRaw)
	ss.upstream, ss.upstreamRaw, ss.upstreamBR, ss.upstreamKey = nil, nil, nil, ""
}

func (ss *session) run(head []byte, req *httpmsg.Parsed) {
	for {
		keep, err := ss.roundTrip(head, req)
		if err != nil {
			if !errors.Is(err, errBlocked) {
				ss.s.connError("round_trip", err)
			}
			return
		}
		if !keep {
			return
		}

		head, err = httpmsg.ReadHead(ss.clientBR)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				ss.s.connError("read_head", err)
			}
			return
		}
		req, err = httpmsg.ParseRequest(head)
		if err != nil {
			ss.s.connError("parse_request", err)
			return
		}
		if req.Method == "CONNECT" {
			return
		}
	}
}

// resolve returns the absolute URL of req and the upstream host:port.
func (ss *session) resolve(req *httpmsg.Parsed) (string, string, error) {
	target := req.URL
	lower := strings.ToLower(target)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		u, err := url.Parse(target)
		if err != nil || u.Host == "" {
			return "", "", fmt.Errorf("bad request target %q", target)
		}
		if ss.authority != "" {
			return target, ss.authority, nil
		}
		if u.Scheme != "http" {
			return "", "", fmt.Errorf("unsupported scheme %q without CONNECT", u.Scheme)
		}
		return target, withPort(u.Host, "80"), nil
	}

	host := req.Header("Host")
	if host == "" && ss.authority != "" {
		host = ss.authority
	}
	if host == "" {
		return "", "", errors.New("request has no host")
	}
	if !strings.HasPrefix(target, "/") && target != "*" {
		target = "/" + target
	}
	full := ss.scheme + "://" + host + target
	if ss.authority != "" {
		return full, ss.authority, nil
	}
	return full, withPort(host, "80"), nil
}

func withPort(host, port string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(strings.Trim(host, "[]"), port)
}

func (ss *session) connect(addr string) error {
	if ss.upstream != nil && ss.upstreamKey == addr {
		return nil
	}
	ss.dropUpstream()

	conn, err := ss.s.dial(addr)
	if err != nil {
		return err
	}
	if ss.scheme == "https" {
		host, _, _ := net.SplitHostPort(addr)
		tconn := tls.Client(conn, &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: ss.s.cfg.InsecureUpstreamTLS,
			RootCAs:            ss.s.cfg.UpstreamRootCAs,
			NextProtos:         []string{"http/1.1"},
		})
		ctx, cancel := context.WithTimeout(ss.s.ctx, ss.s.cfg.DialTimeout)
		err := tconn.HandshakeContext(ctx)
		cancel()
		if err != nil {
			_ = conn.Close()
			ss.s.untrack(conn)
			return fmt.Errorf("upstream tls handshake with %s: %w", addr, err)
		}
		ss.upstream = tconn
	} else {
		ss.upstream = conn
	}
	ss.upstreamRaw = conn
	ss.upstreamBR = bufio.NewReader(ss.upstream)
	ss.upstreamKey = addr
	return nil
}

// forward returns a sink that records a chunk and then writes it to dst.
func (ss *session) forward(dst io.Writer, dir Direction) func([]byte) error {
	return func(b []byte) error {
		ss.s.ic.Observe(ss.id, dir, b, false)
		_, err := dst.Write(b)
		return err
	}
}

func (ss *session) roundTrip(head []byte, req *httpmsg.Parsed) (bool, error) {
	target, addr, err := ss.resolve(req)
	if err != nil {
		return false, err
	}
	if rule, ok := ss.s.blocked(target); ok {
		ss.s.recordBlocked(target, rule, "url")
		return false, errBlocked
	}
	if err := ss.connect(addr); err != nil {
		return false, err
	}

	toUpstream := ss.forward(ss.upstream, DirRequest)
	if err := toUpstream(head); err != nil {
		ss.s.ic.Observe(ss.id, DirRequest, nil, true)
		return false, err
	}
	err = httpmsg.CopyBody(ss.clientBR, httpmsg.FramingFor(req, ""), toUpstream)
	ss.s.ic.Observe(ss.id, DirRequest, nil, true)
	if err != nil {
		return false, err
	}

	toClient := ss.forward(ss.client, DirResponse)
	for {
		respHead, err := httpmsg.ReadHead(ss.upstreamBR)
		if err != nil {
			if len(respHead) > 0 {
				_ = toClient(respHead)
			}
			ss.s.ic.Observe(ss.id, DirResponse, nil, true)
			return false, fmt.Errorf("read response head: %w", err)
		}
		resp, err := httpmsg.ParseResponse(respHead)
		if err != nil {
			_ = toClient(respHead)
			ss.s.ic.Observe(ss.id, DirResponse, nil, true)
			return false, err
		}

		// Interim responses are relayed but not recorded so the exchange
		// holds the final response only.
		if resp.StatusCode >= 100 && resp.StatusCode < 200 && resp.StatusCode != 101 {
			if _, err := ss.client.Write(respHead); err != nil {
				return false, err
			}
			continue
		}

		if err := toClient(respHead); err != nil {
			ss.s.ic.Observe(ss.id, DirResponse, nil, true)
			return false, err
		}
		if resp.StatusCode == 101 {
			ss.s.ic.Observe(ss.id, DirResponse, nil, true)
			pipe(ss.client, ss.clientBR, ss.upstream, ss.upstreamBR)
			return false, nil
		}

		framing := httpmsg.FramingFor(resp, req.Method)
		err = httpmsg.CopyBody(ss.upstreamBR, framing, toClient)
		ss.s.ic.Observe(ss.id, DirResponse, nil, true)
		if err != nil {
			return false, err
		}

		if !resp.ShouldKeepAlive || framing.Mode == httpmsg.BodyUntilClose {
			ss.dropUpstream()
			return false, nil
		}
		return req.ShouldKeepAlive, nil
	}
}

// pipe copies both directions until either side stops, then closes both.
func pipe(client net.Conn, clientR io.Reader, upstream net.Conn, upstreamR io.Reader) {
	done := make(chan struct{}, 2)
	go func() {
		_, _ = io.Copy(upstream, clientR)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(client, upstreamR)
		done <- struct{}{}
	}()
	<-done
	_ = client.Close()
	_ = upstream.Close()
	<-done
}

// bufferedConn serves reads from a reader that may hold bytes already
// consumed from the connection.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
