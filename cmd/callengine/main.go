// Command callengine wires the signaling (transaction/dialog/session) and
// media layers into one running process behind a flag-driven CLI.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/coredial/callengine/internal/config"
	"github.com/coredial/callengine/internal/metrics"
	"github.com/coredial/callengine/pkg/dialog"
	"github.com/coredial/callengine/pkg/eventbus"
	"github.com/coredial/callengine/pkg/media"
	"github.com/coredial/callengine/pkg/session"
	"github.com/coredial/callengine/pkg/timerwheel"
	"github.com/coredial/callengine/pkg/transaction"
	"github.com/coredial/callengine/pkg/transportfacade"
)

// contactTransport adds the Contact-URI resolution session.Transport needs
// on top of transportfacade.Facade, which only implements the narrower
// transaction.Transport surface.
type contactTransport struct {
	*transportfacade.Facade
	contact sip.Uri
}

func (t *contactTransport) LocalContact(config.TransportKind) sip.Uri { return t.contact }

// engine bundles every process-wide collaborator into one composition root.
type engine struct {
	cfg   config.Config
	bus   *eventbus.Bus
	wheel *timerwheel.Wheel
	stats *metrics.Collector

	transport *contactTransport
	txMgr     *transaction.Manager
	dlgMgr    *dialog.Manager
	sessMgr   *session.Manager
	ports     *media.PortPool

	mediaByID map[string]*media.Controller
}

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:5060", "SIP listen address")
		user       = flag.String("user", "alice", "local user part")
		domain     = flag.String("domain", "example.com", "local domain")
		mode       = flag.String("mode", "server", "server or client")
		target     = flag.String("target", "sip:bob@127.0.0.1:5061", "call target in client mode")
		rtpMin     = flag.Int("rtp-min", 10000, "lower bound of the RTP port range")
		rtpMax     = flag.Int("rtp-max", 20000, "upper bound of the RTP port range")
	)
	flag.Parse()

	cfg := config.New(
		config.WithTransport(*listenAddr, config.TransportUDP, fmt.Sprintf("sip:%s@%s", *user, *domain), fmt.Sprintf("sip:%s@%s", *user, *listenAddr), "callengine/1.0"),
		config.WithRTPPortRange(uint16(*rtpMin), uint16(*rtpMax)),
	)

	e := newEngine(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := e.transport.ListenAndServe(ctx, cfg.Transport.Kind, cfg.Transport.BindAddress); err != nil {
			log.Printf("transport listener stopped: %v", err)
		}
	}()

	log.Printf("callengine listening on %s as %s@%s (mode=%s)", *listenAddr, *user, *domain, *mode)

	switch *mode {
	case "client":
		go e.placeCall(ctx, *target)
	case "server":
		// inbound calls are handled entirely by e.onNewServerTransaction,
		// registered in newEngine.
	default:
		log.Fatalf("unknown mode %q: want server or client", *mode)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Printf("shutting down")
	cancel()
	for id, mc := range e.mediaByID {
		if err := mc.Stop(); err != nil {
			log.Printf("stopping media controller %s: %v", id, err)
		}
	}
	e.transport.Close()
}

func newEngine(cfg config.Config) *engine {
	bus := eventbus.New()
	wheel := timerwheel.New()
	stats := metrics.NewCollector(prometheus.NewRegistry())

	facade := transportfacade.New(bus, nil, nil)
	contactURI, err := sip.ParseUri(cfg.Transport.ContactURI)
	if err != nil {
		log.Fatalf("parse contact URI %q: %v", cfg.Transport.ContactURI, err)
	}
	transport := &contactTransport{Facade: facade, contact: contactURI}

	txMgr := transaction.NewManager(transport, wheel, bus, stats, cfg.Timers)
	dlgMgr := dialog.NewManager(bus, stats)
	sessMgr := session.NewManager(bus, stats)
	ports := media.NewPortPool(cfg.Media.RTPPortMin, cfg.Media.RTPPortMax)

	e := &engine{
		cfg: cfg, bus: bus, wheel: wheel, stats: stats,
		transport: transport, txMgr: txMgr, dlgMgr: dlgMgr, sessMgr: sessMgr, ports: ports,
		mediaByID: make(map[string]*media.Controller),
	}

	txMgr.OnNewServerTransaction(e.onNewServerTransaction)
	return e
}

// serverTx is the narrow surface a UAS operation (Accept/Reject/HandleBye)
// needs out of a *transaction.ServerInvite/ServerNonInvite, matched
// structurally without importing the unexported type from pkg/session.
type serverTx interface {
	SendResponse(resp *sip.Response) error
}

// cancelableServerTx is the additional surface *transaction.ServerInvite
// exposes for reacting to an inbound CANCEL; a ServerNonInvite never
// implements it.
type cancelableServerTx interface {
	serverTx
	OnCancel(h transaction.RequestHandler)
}

// onNewServerTransaction is the transaction layer's UAS entry point:
// inbound requests flow transport -> transaction -> dialog -> session.
// It routes a fresh dialog-creating INVITE into a new Session and answers
// it, and routes in-dialog requests to the session already holding that
// dialog.
func (e *engine) onNewServerTransaction(tx any, req *sip.Request) {
	stx, ok := tx.(serverTx)
	if !ok {
		return
	}

	if existing, ok := e.matchExistingSession(req); ok {
		e.routeInDialogRequest(existing, stx, req)
		return
	}

	if req.Method != sip.INVITE {
		resp := sip.NewResponse(481, "Call/Transaction Does Not Exist")
		stx.SendResponse(resp)
		return
	}

	e.handleIncomingInvite(stx, req)
}

func (e *engine) matchExistingSession(req *sip.Request) (*session.Session, bool) {
	d, err := e.dlgMgr.Match(req)
	if err != nil {
		return nil, false
	}
	return e.sessMgr.LookupByDialog(d.ID().String())
}

func (e *engine) routeInDialogRequest(s *session.Session, stx serverTx, req *sip.Request) {
	if req.Method != sip.ACK {
		if cseq, ok := req.CSeq(); ok {
			if err := s.Dialog().CheckInOrder(cseq.SeqNo); err != nil {
				stx.SendResponse(sip.NewResponse(500, "Server Internal Error"))
				return
			}
		}
	}

	switch req.Method {
	case sip.BYE:
		if err := s.HandleBye(stx); err != nil {
			log.Printf("session %s: handle BYE: %v", s.ID(), err)
		}
	case sip.INVITE, sip.UPDATE:
		if err := s.HandleReInvite(stx, req); err != nil {
			log.Printf("session %s: handle re-INVITE/UPDATE: %v", s.ID(), err)
		}
	case sip.REFER:
		if err := s.HandleIncomingRefer(context.Background(), stx, req); err != nil {
			log.Printf("session %s: handle REFER: %v", s.ID(), err)
		}
	case sip.NOTIFY:
		if err := s.HandleReferNotify(stx, req.Body()); err != nil {
			log.Printf("session %s: handle NOTIFY: %v", s.ID(), err)
		}
	case sip.ACK:
		// 2xx ACK is end-to-end, sent directly by the session layer that
		// answered the INVITE; an in-dialog ACK is never itself answered.
	default:
		stx.SendResponse(sip.NewResponse(200, "OK"))
	}
}

func (e *engine) handleIncomingInvite(stx serverTx, req *sip.Request) {
	sessionID := fmt.Sprintf("sess-%d", time.Now().UnixNano())
	localTag := fmt.Sprintf("tag-%s", sessionID)

	cb := session.Callbacks{
		OnStateChanged: func(from, to session.State) {
			log.Printf("session %s: %s -> %s", sessionID, from, to)
		},
		OnMediaStart: func(local, remote session.MediaDescriptor) {
			e.startMedia(sessionID, local, remote)
		},
		OnMediaStop: func() {
			e.stopMedia(sessionID)
		},
		OnDTMF: func(digit byte) {
			log.Printf("session %s: received DTMF digit %c", sessionID, digit)
		},
		OnError: func(err error) {
			log.Printf("session %s: error: %v", sessionID, err)
		},
		Dial: e.dialForTransfer,
	}

	s, err := session.Incoming(sessionID, e.cfg.Session, e.cfg.Transport.Kind, e.txMgr, e.transport, e.wheel, e.bus, e.stats, cb, req, localTag)
	if err != nil {
		log.Printf("incoming INVITE rejected: %v", err)
		stx.SendResponse(sip.NewResponse(500, "Server Internal Error"))
		return
	}
	e.sessMgr.Register(s)

	if cst, ok := stx.(cancelableServerTx); ok {
		cst.OnCancel(func(*sip.Request) {
			log.Printf("session %s: INVITE canceled", sessionID)
			s.HandleCancel()
		})
	}

	localPort, err := e.ports.Allocate()
	if err != nil {
		log.Printf("session %s: %v", sessionID, err)
		stx.SendResponse(sip.NewResponse(486, "Busy Here"))
		return
	}

	if s.State() != session.StateRinging {
		// a CANCEL raced in before we got this far; nothing left to answer.
		e.ports.Release(localPort)
		return
	}

	if err := s.Accept(context.Background(), stx, e.cfg.Media.PreferredCodecs, e.localHost(), int(localPort)); err != nil {
		log.Printf("session %s: accept failed: %v", sessionID, err)
		e.ports.Release(localPort)
	}
}

// dialForTransfer implements the session.Callbacks.Dial hook: placing a
// fresh outbound call toward target on behalf of an inbound REFER
// (pkg/session/transfer.go's transferee-side handler), blocking until the
// new call reaches Active or fails.
func (e *engine) dialForTransfer(ctx context.Context, target sip.Uri) (*session.Session, error) {
	sessionID := fmt.Sprintf("sess-%d", time.Now().UnixNano())
	done := make(chan error, 1)

	cb := session.Callbacks{
		OnStateChanged: func(from, to session.State) {
			log.Printf("session %s: %s -> %s", sessionID, from, to)
			switch to {
			case session.StateActive:
				select {
				case done <- nil:
				default:
				}
			case session.StateFailed:
				select {
				case done <- fmt.Errorf("referred call failed"):
				default:
				}
			}
		},
		OnMediaStart: func(local, remote session.MediaDescriptor) {
			e.startMedia(sessionID, local, remote)
		},
		OnMediaStop: func() {
			e.stopMedia(sessionID)
		},
		OnError: func(err error) {
			log.Printf("session %s: error: %v", sessionID, err)
		},
		Dial: e.dialForTransfer,
	}

	s := session.New(sessionID, e.cfg.Session, e.cfg.Transport.Kind, e.txMgr, e.transport, e.wheel, e.bus, e.stats, cb)
	e.sessMgr.Register(s)

	localPort, err := e.ports.Allocate()
	if err != nil {
		return nil, err
	}
	if err := s.MakeCall(ctx, target, e.cfg.Media.PreferredCodecs, e.localHost(), int(localPort)); err != nil {
		e.ports.Release(localPort)
		return nil, err
	}

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *engine) placeCall(ctx context.Context, target string) {
	targetURI, err := sip.ParseUri(target)
	if err != nil {
		log.Fatalf("parse target URI %q: %v", target, err)
	}

	sessionID := fmt.Sprintf("sess-%d", time.Now().UnixNano())
	cb := session.Callbacks{
		OnStateChanged: func(from, to session.State) {
			log.Printf("session %s: %s -> %s", sessionID, from, to)
		},
		OnMediaStart: func(local, remote session.MediaDescriptor) {
			e.startMedia(sessionID, local, remote)
		},
		OnMediaStop: func() {
			e.stopMedia(sessionID)
		},
		OnError: func(err error) {
			log.Printf("session %s: error: %v", sessionID, err)
		},
		Dial: e.dialForTransfer,
	}

	s := session.New(sessionID, e.cfg.Session, e.cfg.Transport.Kind, e.txMgr, e.transport, e.wheel, e.bus, e.stats, cb)
	e.sessMgr.Register(s)

	localPort, err := e.ports.Allocate()
	if err != nil {
		log.Printf("session %s: %v", sessionID, err)
		return
	}

	if err := s.MakeCall(ctx, targetURI, e.cfg.Media.PreferredCodecs, e.localHost(), int(localPort)); err != nil {
		log.Printf("session %s: make call failed: %v", sessionID, err)
		e.ports.Release(localPort)
	}
}

// startMedia builds and starts the media.Controller for a session once its
// dialog has answered, realizing
// create/apply_negotiated_sdp/start sequence driven by the session layer's
// OnMediaStart callback.
func (e *engine) startMedia(sessionID string, local, remote session.MediaDescriptor) {
	mc, err := media.Create(sessionID, e.localHost(), e.ports, e.mediaConfig(), e.wheel, e.bus, e.stats, media.Callbacks{
		OnDTMF: func(d media.Digit, _ uint16) {
			log.Printf("session %s: media DTMF digit %s", sessionID, d)
		},
		OnStateChanged: func(from, to media.State) {
			log.Printf("session %s: media %s -> %s", sessionID, from, to)
		},
	})
	if err != nil {
		log.Printf("session %s: create media controller: %v", sessionID, err)
		return
	}

	neg := media.NegotiatedMedia{
		PayloadType: firstCodecOr(remote.Codecs, media.PayloadPCMU),
		RemoteAddr:  remote.RTPAddr,
		RemotePort:  remote.RTPPort,
		Direction:   media.Direction(local.Direction),
		DTMFPT:      remote.DTMFPT,
	}
	if err := mc.ApplyNegotiatedSDP(neg); err != nil {
		log.Printf("session %s: apply negotiated SDP: %v", sessionID, err)
		return
	}
	if err := mc.Start(); err != nil {
		log.Printf("session %s: start media: %v", sessionID, err)
		return
	}

	e.mediaByID[sessionID] = mc
	log.Printf("session %s: media active on port %d, remote %s:%d", sessionID, mc.LocalPort(), remote.RTPAddr, remote.RTPPort)
}

func (e *engine) stopMedia(sessionID string) {
	mc, ok := e.mediaByID[sessionID]
	if !ok {
		return
	}
	if err := mc.Stop(); err != nil {
		log.Printf("session %s: stop media: %v", sessionID, err)
	}
	delete(e.mediaByID, sessionID)
}

func (e *engine) mediaConfig() media.Config {
	cfg := media.DefaultConfig()
	cfg.Jitter.InitialDelay = time.Duration(e.cfg.Media.JitterBufferMS) * time.Millisecond
	cfg.Jitter.MaxDelay = cfg.Jitter.InitialDelay * 10 / 6
	return cfg
}

func (e *engine) localHost() string {
	return e.cfg.Transport.BindAddress[:hostSplit(e.cfg.Transport.BindAddress)]
}

func hostSplit(addr string) int {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return i
		}
	}
	return len(addr)
}

func firstCodecOr(codecs []uint8, fallback media.PayloadType) media.PayloadType {
	if len(codecs) == 0 {
		return fallback
	}
	return media.PayloadType(codecs[0])
}
