package session

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/coredial/callengine/internal/config"
	"github.com/coredial/callengine/pkg/timerwheel"
)

// minSessionExpires is the floor RFC 4028 §7.1 mandates: a UAS that
// cannot honor a shorter interval answers 422 with Min-SE set to this
// value.
const minSessionExpires = 90 * time.Second

// sessionTimer implements RFC 4028 session timers: a refresh re-INVITE (or
// UPDATE) must reach the dialog before the negotiated interval elapses, or
// the session is presumed dead. Scheduling shares the engine's one timer
// goroutine with the transaction layer's A-K timers.
type sessionTimer struct {
	s    *Session
	wheel *timerwheel.Wheel

	interval   time.Duration
	refresher  refresherRole
	id         timerwheel.ID
}

type refresherRole int

const (
	refresherUAC refresherRole = iota
	refresherUAS
)

func newSessionTimer(s *Session, wheel *timerwheel.Wheel, cfg config.SessionConfig) *sessionTimer {
	return &sessionTimer{
		s:        s,
		wheel:    wheel,
		interval: cfg.DefaultSessionExpires,
	}
}

// sessionExpiresHeader returns the Session-Expires header value this side
// should advertise in an INVITE/200: "<seconds>;refresher=uac|uas".
func sessionExpiresHeader(interval time.Duration, refresher refresherRole) string {
	role := "uac"
	if refresher == refresherUAS {
		role = "uas"
	}
	return fmt.Sprintf("%d;refresher=%s", int(interval.Seconds()), role)
}

// negotiateSessionExpires picks the interval: the smaller
// of the local default and the peer's request, floored at Min-SE.
// preferUAC alone decides who refreshes; a refresher the peer named is not
// consulted.
func negotiateSessionExpires(local, peer time.Duration, preferUAC bool) (time.Duration, refresherRole) {
	interval := local
	if peer > 0 && peer < interval {
		interval = peer
	}
	if interval < minSessionExpires {
		interval = minSessionExpires
	}
	role := refresherUAS
	if preferUAC {
		role = refresherUAC
	}
	return interval, role
}

// parseSessionExpires reads a "delta-seconds[;refresher=uac|uas]" header
// value per RFC 4028's Session-Expires ABNF.
func parseSessionExpires(value string) (time.Duration, refresherRole, bool) {
	parts := strings.Split(value, ";")
	seconds, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || seconds <= 0 {
		return 0, refresherUAC, false
	}
	role := refresherUAC
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if strings.EqualFold(p, "refresher=uas") {
			role = refresherUAS
		}
	}
	return time.Duration(seconds) * time.Second, role, true
}

func sessionExpiresFromMessage(headers []sip.Header) (time.Duration, refresherRole, bool) {
	for _, h := range headers {
		if strings.EqualFold(h.Name(), "Session-Expires") {
			return parseSessionExpires(h.Value())
		}
	}
	return 0, refresherUAC, false
}

// onSessionEstablished starts (or restarts) the refresh timer once a
// session-establishing 2xx has been exchanged, reading a peer-advertised
// Session-Expires if present and otherwise falling back to this side's
// configured default.
func (t *sessionTimer) onSessionEstablished(resp *sip.Response) {
	if t == nil || t.wheel == nil {
		return
	}
	interval := t.interval
	refresher := refresherUAC
	if !t.s.cfg.PreferUACRefresher {
		refresher = refresherUAS
	}
	if peer, peerRole, ok := sessionExpiresFromMessage(resp.Headers()); ok {
		interval, refresher = negotiateSessionExpires(t.s.cfg.DefaultSessionExpires, peer, t.s.cfg.PreferUACRefresher)
		_ = peerRole
	}
	t.start(interval, refresher)
}

func (t *sessionTimer) start(interval time.Duration, refresher refresherRole) {
	t.stop()
	t.interval, t.refresher = interval, refresher
	if interval <= 0 {
		return
	}
	// Refresh at half the interval, per RFC 4028 §7.3's recommended
	// midpoint guard against one missed retransmission.
	fire := interval / 2
	t.id = t.wheel.Schedule(fire, t.onRefreshDue)
}

func (t *sessionTimer) stop() {
	if t == nil || t.wheel == nil || t.id == 0 {
		return
	}
	t.wheel.Cancel(t.id)
	t.id = 0
}

// onRefreshDue fires on the timer goroutine; it hands off to the session so
// refresh and signaling share the same state-mutation lock discipline.
func (t *sessionTimer) onRefreshDue() {
	t.s.refreshSession(context.Background())
}
