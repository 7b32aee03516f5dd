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
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
	"gopkg.in/tomb.v2"
)

var errHoldTimerExpired = errors.New("hold timer expired")

// SessionInfo holds the parameters one side of a session announced in its
// OPEN.
type SessionInfo struct {
	Version      uint8
	AS           uint32
	HoldTime     time.Duration
	BGPID        netip.Addr
	Capabilities Capabilities
}

// A PeerSession is an accepted connection from a BGP neighbor. It owns the
// RIB-IN holding the routes the neighbor currently advertises.
type PeerSession struct {
	server     *Server
	conn       net.Conn
	remoteAddr netip.AddrPort
	localAddr  netip.AddrPort
	logger     *slog.Logger

	t       tomb.Tomb
	writeMu sync.Mutex
	closed  atomic.Bool
	timers  sessionTimers

	mu        sync.RWMutex
	state     bgp.FSMState
	remote    SessionInfo
	local     SessionInfo
	keepAlive time.Duration

	// peerAS is guarded by server.mu.
	peerAS uint32

	// rib4 and rib6 are only written by the receive goroutine, under the
	// selector lock.
	rib4, rib6 *table
}

func newPeerSession(s *Server, conn net.Conn, remote, local netip.AddrPort) *PeerSession {
	return &PeerSession{
		server:     s,
		conn:       conn,
		remoteAddr: remote,
		localAddr:  local,
		logger:     s.logger().With("peer", remote.String(), "local", local.String()),
		timers:     sessionTimers{svc: s.timers},
		state:      bgp.BGP_FSM_ACTIVE,
		rib4:       newTable(),
		rib6:       newTable(),
	}
}

// addrPortOf converts the address of a TCP endpoint. IPv4-mapped IPv6
// addresses are unmapped.
func addrPortOf(a net.Addr) netip.AddrPort {
	ta, ok := a.(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	ap := ta.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// RemoteAddr returns the address and port of the neighbor.
func (p *PeerSession) RemoteAddr() netip.AddrPort {
	return p.remoteAddr
}

// LocalAddr returns the local end of the connection.
func (p *PeerSession) LocalAddr() netip.AddrPort {
	return p.localAddr
}

func cloneInfo(i SessionInfo) SessionInfo {
	i.Capabilities.Families = slices.Clone(i.Capabilities.Families)
	return i
}

// RemoteInfo returns what the neighbor announced in its OPEN. It is the zero
// value until the session is established.
func (p *PeerSession) RemoteInfo() SessionInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return cloneInfo(p.remote)
}

// LocalInfo returns what was announced to the neighbor.
func (p *PeerSession) LocalInfo() SessionInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return cloneInfo(p.local)
}

func (p *PeerSession) remoteBGPID() netip.Addr {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.remote.BGPID
}

// State returns the current state of the session.
func (p *PeerSession) State() bgp.FSMState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Established reports whether the OPEN exchange has completed and the session
// is not yet closed.
func (p *PeerSession) Established() bool {
	return p.State() == bgp.BGP_FSM_ESTABLISHED
}

// RIBIn4 returns the IPv4 routes currently advertised by the neighbor, sorted
// by prefix.
func (p *PeerSession) RIBIn4() []*RouteEntry {
	return p.rib4.Snapshot()
}

// RIBIn6 returns the IPv6 routes currently advertised by the neighbor, sorted
// by prefix.
func (p *PeerSession) RIBIn6() []*RouteEntry {
	return p.rib6.Snapshot()
}

func (p *PeerSession) ribIn(prefix netip.Prefix) *table {
	if prefix.Addr().Is4() {
		return p.rib4
	}
	return p.rib6
}

func (p *PeerSession) String() string {
	return p.remoteAddr.String()
}

// start runs the receive loop in the background. The OPEN must arrive before
// the open hold time elapses.
func (p *PeerSession) start() {
	p.server.metrics().sessionUp()
	p.logger.Info("BGP peer connected")
	p.timers.restartHold(p.server.cfg.OpenHoldTime, p.holdTimerExpired)
	p.t.Go(func() error {
		defer p.server.wg.Done()
		err := p.recvLoop()
		p.t.Kill(err)
		p.disconnected(p.t.Err())
		return err
	})
}

// Close terminates the session. It is safe to call more than once and from
// any goroutine. The RIB-IN is withdrawn by the receive goroutine once it
// notices the closed connection.
func (p *PeerSession) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.setState(stateClosed)
	p.timers.stop()
	p.t.Kill(nil)
	return p.conn.Close()
}

// Wait blocks until the session has been torn down and returns the reason.
func (p *PeerSession) Wait() error {
	return p.t.Wait()
}

// Dead returns a channel that is closed once the session has been torn down.
func (p *PeerSession) Dead() <-chan struct{} {
	return p.t.Dead()
}

// disconnected withdraws every route of the session and deregisters it.
func (p *PeerSession) disconnected(reason error) {
	p.Close() // ignore errors
	p.withdrawAll()
	p.server.peerDisconnected(p)
	p.server.metrics().sessionDown()
	if reason != nil {
		p.logger.Info("BGP peer disconnected", "reason", reason)
	} else {
		p.logger.Info("BGP peer disconnected")
	}
}

// send writes one message to the neighbor.
func (p *PeerSession) send(m *bgp.BGPMessage, timeout time.Duration) error {
	b, err := m.Serialize()
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	if _, err := p.conn.Write(b); err != nil {
		return err
	}
	p.server.metrics().messageSent(m.Header.Type)
	return nil
}

func (p *PeerSession) sendNotification(code, subcode uint8, data []byte) error {
	p.server.metrics().notificationSent(code, subcode)
	return p.send(bgp.NewBGPNotificationMessage(code, subcode, data), defaultNotificationTimeout)
}

// maybeSendNotification sends a NOTIFICATION if the passed error contains a
// bgp.MessageError and does nothing otherwise.
func (p *PeerSession) maybeSendNotification(e error) error {
	var me *bgp.MessageError
	if errors.As(e, &me) {
		return p.sendNotification(me.TypeCode, me.SubTypeCode, me.Data)
	}
	return nil
}
