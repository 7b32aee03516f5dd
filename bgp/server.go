// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bgp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/channels"
	"github.com/jpillora/backoff"
	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

// DefaultListenAddr is used by ListenAndServe if Config.ListenAddr is empty.
const DefaultListenAddr = ":179"

// ErrServerClosed is returned by Serve and ListenAndServe after a call to
// Shutdown or Close.
var ErrServerClosed = errors.New("bgp: server closed")

// Config holds the tunables of a Server. Zero values select the defaults.
type Config struct {
	// ListenAddr is the address ListenAndServe binds to.
	ListenAddr string
	// RouterID is the local BGP Identifier. If unset, the local IPv4 address of
	// the first accepted connection is used.
	RouterID netip.Addr
	// MinHoldTime is the shortest non-zero hold time accepted from a peer.
	MinHoldTime time.Duration
	// MinKeepAliveInterval bounds the keepalive interval from below.
	MinKeepAliveInterval time.Duration
	// OpenHoldTime limits how long an accepted connection may take to send its
	// OPEN.
	OpenHoldTime time.Duration
	// MessageTimeout is the write timeout for messages other than
	// NOTIFICATIONs.
	MessageTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.MinHoldTime == 0 {
		c.MinHoldTime = DefaultMinHoldTime
	}
	if c.MinKeepAliveInterval == 0 {
		c.MinKeepAliveInterval = DefaultMinKeepAliveInterval
	}
	if c.OpenHoldTime == 0 {
		c.OpenHoldTime = DefaultOpenHoldTime
	}
	if c.MessageTimeout == 0 {
		c.MessageTimeout = defaultMessageTimeout
	}
	return c
}

// Server accepts iBGP sessions and maintains the best route to every prefix
// learned from them.
type Server struct {
	// Config is read once, when the server is first used.
	Config Config
	// Listener receives every change to the best route table. If nil, changes
	// are discarded.
	Listener RouteListener
	// Logger is the destination for logs. If nil, slog.Default() is used.
	Logger *slog.Logger
	// Metrics is optional.
	Metrics *Metrics

	initOnce   sync.Once
	cfg        Config
	sel        *selector
	timers     timerService
	queue      *channels.InfiniteChannel
	dispatched chan struct{}
	stopped    chan struct{}
	shutdown   atomic.Bool
	wg         sync.WaitGroup

	mu        sync.Mutex
	listeners []net.Listener
	sessions  map[netip.AddrPort]*PeerSession
	localID   netip.Addr
	closed    bool
}

func (s *Server) init() {
	s.initOnce.Do(func() {
		s.cfg = s.Config.withDefaults()
		s.sel = newSelector(s)
		if s.timers == nil {
			s.timers = realTimers{}
		}
		s.sessions = map[netip.AddrPort]*PeerSession{}
		if s.cfg.RouterID.Is4() {
			s.localID = s.cfg.RouterID
		}
		s.queue = channels.NewInfiniteChannel()
		s.dispatched = make(chan struct{})
		s.stopped = make(chan struct{})
		go s.dispatch()
	})
}

func (s *Server) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) metrics() *Metrics {
	return s.Metrics
}

// dispatch hands queued batches to the listener in order.
func (s *Server) dispatch() {
	defer close(s.dispatched)
	for v := range s.queue.Out() {
		updates := v.([]RouteUpdate)
		s.metrics().routeUpdates(updates)
		if s.Listener != nil {
			s.Listener.Update(updates)
		}
	}
}

// deliver queues a batch for the listener without blocking.
func (s *Server) deliver(updates []RouteUpdate) {
	if len(updates) != 0 {
		s.queue.In() <- updates
	}
}

func (s *Server) sessionList() []*PeerSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Collect(maps.Values(s.sessions))
}

func (s *Server) peerConnected(conn net.Conn) (*PeerSession, error) {
	remote := addrPortOf(conn.RemoteAddr())
	local := addrPortOf(conn.LocalAddr())
	if !remote.IsValid() || !local.IsValid() {
		return nil, errors.New("unsupported peer address type")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrServerClosed
	}
	if s.sessions[remote] != nil {
		return nil, fmt.Errorf("duplicate session from %v", remote)
	}
	if !s.localID.IsValid() {
		if !local.Addr().Is4() {
			return nil, errors.New("no BGP identifier: set a router ID or accept an IPv4 connection first")
		}
		s.localID = local.Addr()
		s.logger().Info("Using local address as BGP identifier", "bgp_id", s.localID)
	}
	p := newPeerSession(s, conn, remote, local)
	s.sessions[remote] = p
	s.wg.Add(1)
	return p, nil
}

// checkPeerAS verifies that as matches the AS of every other session and
// records it as the AS of p.
func (s *Server) checkPeerAS(p *PeerSession, as uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.sessions {
		if o != p && o.peerAS != 0 && o.peerAS != as {
			return bgp.NewMessageError(bgp.BGP_ERROR_OPEN_MESSAGE_ERROR, bgp.BGP_ERROR_SUB_BAD_PEER_AS, nil,
				fmt.Sprintf("wrong peer AS: got %v, want %v as for %v", as, o.peerAS, o.remoteAddr))
		}
	}
	p.peerAS = as
	return nil
}

func (s *Server) peerDisconnected(p *PeerSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[p.remoteAddr] == p {
		delete(s.sessions, p.remoteAddr)
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Serve accepts connections on l and runs a session for each of them. It
// returns ErrServerClosed once the server is closed. Multiple listeners can
// be served by calling Serve concurrently.
func (s *Server) Serve(l net.Listener) error {
	s.init()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	acceptBackoff := backoff.Backoff{
		Factor: 2,
		Jitter: true,
		Min:    5 * time.Millisecond,
		Max:    1 * time.Second,
	}
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept on %v: %w", l.Addr(), err)
			}
			d := acceptBackoff.Duration()
			s.logger().Warn("Accept failed", "addr", l.Addr().String(), "error", err, "retry", d)
			time.Sleep(d)
			continue
		}
		acceptBackoff.Reset()
		p, err := s.peerConnected(conn)
		if err != nil {
			s.logger().Warn("Rejecting connection", "remote", conn.RemoteAddr().String(), "error", err)
			conn.Close() // ignore errors
			continue
		}
		p.start()
	}
}

// ListenAndServe listens on Config.ListenAddr and then calls Serve.
func (s *Server) ListenAndServe() error {
	s.init()
	lc := net.ListenConfig{Control: controlSocket}
	l, err := lc.Listen(context.Background(), "tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %v: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(l)
}

// Shutdown closes the server and waits for all sessions to be torn down and
// for all pending route updates to reach the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Close() // ignore errors
	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes all listeners and sessions. It does not wait for the sessions
// to be torn down; to do that call Shutdown instead. Route updates caused by
// closing the sessions are not delivered.
func (s *Server) Close() error {
	s.init()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.closed = true
	listeners := s.listeners
	sessions := slices.Collect(maps.Values(s.sessions))
	s.mu.Unlock()

	s.sel.mu.Lock()
	s.shutdown.Store(true)
	s.sel.mu.Unlock()

	var closeErr error
	for _, l := range listeners {
		if err := l.Close(); err != nil && closeErr == nil {
			// Only keep the first error from any listener.
			closeErr = err
		}
	}
	for _, p := range sessions {
		p.Close() // ignore errors
	}

	go func() {
		s.wg.Wait()
		s.queue.Close()
		<-s.dispatched
		close(s.stopped)
	}()
	return closeErr
}

// Sessions returns the registered sessions sorted by remote address.
func (s *Server) Sessions() []*PeerSession {
	s.init()
	sessions := s.sessionList()
	slices.SortFunc(sessions, func(a, b *PeerSession) int {
		return a.remoteAddr.Compare(b.remoteAddr)
	})
	return sessions
}

// LocalBGPID returns the local BGP Identifier, or the zero Addr if none has
// been chosen yet.
func (s *Server) LocalBGPID() netip.Addr {
	s.init()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localID
}

// BestRoutes4 returns the best IPv4 routes sorted by prefix.
func (s *Server) BestRoutes4() []*RouteEntry {
	s.init()
	return s.sel.best4.Snapshot()
}

// BestRoutes6 returns the best IPv6 routes sorted by prefix.
func (s *Server) BestRoutes6() []*RouteEntry {
	s.init()
	return s.sel.best6.Snapshot()
}
