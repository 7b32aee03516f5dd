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

// This file implements the passive side of the BGP state machine. A session
// waits in ACTIVE for the neighbor's OPEN, answers with its own OPEN and a
// KEEPALIVE, and then stays ESTABLISHED until the connection goes away.

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/osrg/gobgp/v3/pkg/packet/bgp"
)

const (
	// stateClosed is an additional state for sessions that have been torn
	// down.
	stateClosed = bgp.FSMState(99)
)

// formatState prints the name of a state for use in log messages.
func formatState(s bgp.FSMState) string {
	switch s {
	case bgp.BGP_FSM_IDLE:
		return "IDLE"
	case bgp.BGP_FSM_CONNECT:
		return "CONNECT"
	case bgp.BGP_FSM_ACTIVE:
		return "ACTIVE"
	case bgp.BGP_FSM_OPENSENT:
		return "OPENSENT"
	case bgp.BGP_FSM_OPENCONFIRM:
		return "OPENCONFIRM"
	case bgp.BGP_FSM_ESTABLISHED:
		return "ESTABLISHED"
	case stateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

func (p *PeerSession) setState(s bgp.FSMState) {
	p.mu.Lock()
	old := p.state
	p.state = s
	p.mu.Unlock()
	if old != s {
		p.logger.Debug("BGP state change", "from", formatState(old), "to", formatState(s))
	}
}

// holdTime returns the negotiated hold time once established, and the open
// hold time before that.
func (p *PeerSession) holdTime() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.state == bgp.BGP_FSM_ESTABLISHED {
		return p.remote.HoldTime
	}
	return p.server.cfg.OpenHoldTime
}

func (p *PeerSession) restartHoldTimer() {
	p.timers.restartHold(p.holdTime(), p.holdTimerExpired)
}

func (p *PeerSession) holdTimerExpired() {
	if p.closed.Load() {
		return
	}
	p.logger.Warn("Hold timer expired")
	p.sendNotification(bgp.BGP_ERROR_HOLD_TIMER_EXPIRED, 0, nil) // ignore errors
	p.t.Kill(errHoldTimerExpired)
	p.Close() // ignore errors
}

func (p *PeerSession) keepAliveTimerExpired() {
	if p.closed.Load() {
		return
	}
	if err := p.send(bgp.NewBGPKeepAliveMessage(), p.server.cfg.MessageTimeout); err != nil {
		p.t.Kill(fmt.Errorf("send KEEPALIVE: %w", err))
		p.Close() // ignore errors
		return
	}
	p.mu.RLock()
	d := p.keepAlive
	p.mu.RUnlock()
	p.timers.scheduleKeepAlive(d, p.keepAliveTimerExpired)
}

// recvLoop reads and handles messages until the connection fails or a
// protocol error occurs. Protocol errors are reported to the neighbor in a
// NOTIFICATION before returning.
func (p *PeerSession) recvLoop() error {
	for {
		m, err := ReadMessage(p.conn)
		if p.closed.Load() {
			return nil
		}
		if err == nil {
			p.server.metrics().messageReceived(m.Type())
			err = p.handle(m)
		}
		if err != nil {
			if nerr := p.maybeSendNotification(err); nerr != nil {
				p.logger.Debug("Failed to send NOTIFICATION", "error", nerr)
			}
			return err
		}
	}
}

func fsmError(subcode uint8, msg string) error {
	return bgp.NewMessageError(bgp.BGP_ERROR_FSM_ERROR, subcode, nil, msg)
}

func (p *PeerSession) handle(m Message) error {
	established := p.Established()
	switch m := m.(type) {
	case *Open:
		if established {
			return fsmError(bgp.BGP_ERROR_SUB_RECEIVE_UNEXPECTED_MESSAGE_IN_ESTABLISHED_STATE, "unexpected OPEN")
		}
		return p.handleOpen(m)
	case *Update:
		if !established {
			return fsmError(bgp.BGP_ERROR_SUB_RECEIVE_UNEXPECTED_MESSAGE_IN_OPENSENT_STATE, "UPDATE before OPEN")
		}
		return p.handleUpdate(m)
	case *Keepalive:
		if !established {
			return fsmError(bgp.BGP_ERROR_SUB_RECEIVE_UNEXPECTED_MESSAGE_IN_OPENSENT_STATE, "KEEPALIVE before OPEN")
		}
		p.restartHoldTimer()
	case *Notification:
		// The neighbor closes the connection after sending this.
		p.logger.Warn("Received NOTIFICATION", "code", m.Code, "subcode", m.Subcode, "data", fmt.Sprintf("%x", m.Data))
		p.restartHoldTimer()
	}
	return nil
}

// handleOpen validates the neighbor's OPEN and, if acceptable, answers with
// an OPEN mirroring its parameters followed by a KEEPALIVE.
func (p *PeerSession) handleOpen(o *Open) error {
	cfg := p.server.cfg
	// We only support BGP-4, https://datatracker.ietf.org/doc/html/rfc4271.
	if o.Version != 4 {
		return bgp.NewMessageError(bgp.BGP_ERROR_OPEN_MESSAGE_ERROR, bgp.BGP_ERROR_SUB_UNSUPPORTED_VERSION_NUMBER, []byte{0, 4}, fmt.Sprintf("unsupported BGP version: %v", o.Version))
	}
	holdTime := time.Duration(o.HoldTime) * time.Second
	if holdTime != 0 && holdTime < cfg.MinHoldTime {
		return bgp.NewMessageError(bgp.BGP_ERROR_OPEN_MESSAGE_ERROR, bgp.BGP_ERROR_SUB_UNACCEPTABLE_HOLD_TIME, nil, fmt.Sprintf("hold time is too short: %v", holdTime))
	}
	caps, err := o.Capabilities()
	if err != nil {
		return err
	}
	as := uint32(o.AS)
	if caps.FourOctetAS {
		as = caps.AS
	}
	if err := p.server.checkPeerAS(p, as); err != nil {
		return err
	}

	localID := p.server.LocalBGPID()
	keepAlive := keepAliveInterval(holdTime, cfg.MinKeepAliveInterval)
	remote := SessionInfo{
		Version:      o.Version,
		AS:           as,
		HoldTime:     holdTime,
		BGPID:        o.ID,
		Capabilities: caps,
	}
	local := SessionInfo{
		Version:      4,
		AS:           as,
		HoldTime:     holdTime,
		BGPID:        localID,
		Capabilities: caps.mirror(as),
	}
	p.mu.Lock()
	p.remote = remote
	p.local = local
	p.keepAlive = keepAlive
	p.mu.Unlock()

	if err := p.send(newOpenMessage(as, o.HoldTime, localID, local.Capabilities), cfg.MessageTimeout); err != nil {
		return fmt.Errorf("send OPEN: %w", err)
	}
	if err := p.send(bgp.NewBGPKeepAliveMessage(), cfg.MessageTimeout); err != nil {
		return fmt.Errorf("send KEEPALIVE: %w", err)
	}
	p.setState(bgp.BGP_FSM_ESTABLISHED)
	p.timers.restartHold(holdTime, p.holdTimerExpired)
	p.timers.scheduleKeepAlive(keepAlive, p.keepAliveTimerExpired)
	p.logger.Info("BGP session established",
		"as", as,
		"bgp_id", o.ID,
		"hold_time", holdTime,
		"keepalive", keepAlive,
		"capabilities", caps.String(),
	)
	return nil
}

// handleUpdate applies an UPDATE to the RIB-IN and passes the change on to
// route selection.
func (p *PeerSession) handleUpdate(u *Update) error {
	withdrawn, added, err := p.parseUpdate(u)
	if err != nil {
		return err
	}
	p.applyUpdate(withdrawn, added)
	p.restartHoldTimer()
	return nil
}

// applyUpdate removes withdrawn prefixes from the RIB-IN, installs added
// routes, and runs route selection on the result.
func (p *PeerSession) applyUpdate(withdrawn []netip.Prefix, added []*RouteEntry) []RouteUpdate {
	return p.server.sel.submit(p, func() (deleted, installed []*RouteEntry) {
		for _, prefix := range withdrawn {
			if r := p.ribIn(prefix).Remove(prefix); r != nil {
				deleted = append(deleted, r)
			}
		}
		for _, r := range added {
			p.ribIn(r.Prefix()).Set(r)
		}
		return deleted, added
	})
}

// withdrawAll empties the RIB-IN and runs route selection on the result.
func (p *PeerSession) withdrawAll() []RouteUpdate {
	return p.server.sel.submit(p, func() (deleted, added []*RouteEntry) {
		return append(p.rib4.Clear(), p.rib6.Clear()...), nil
	})
}
