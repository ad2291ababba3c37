// Package transportfacade wraps github.com/emiago/sipgo/transport.Layer
// behind the narrow transaction.Transport surface, and fans inbound
// messages out onto the event bus. SIP wire parsing/framing stays
// entirely inside sipgo (treated as external); this package only adapts
// sipgo's Layer to the shape the transaction layer expects, the way
// transaction.TransportAdapter adapts a transport.TransportManager.
package transportfacade

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/emiago/sipgo/sip"
	sipgotransport "github.com/emiago/sipgo/transport"

	"github.com/coredial/callengine/internal/config"
	"github.com/coredial/callengine/pkg/eventbus"
)

// defaultPort is used when a URI/Via carries no explicit port, per
// RFC 3261 §19.1.2 (5060 for UDP/TCP, 5061 for TLS).
func defaultPort(kind config.TransportKind) int {
	if kind == config.TransportTLS {
		return 5061
	}
	return 5060
}

func networkName(kind config.TransportKind) string {
	switch kind {
	case config.TransportTCP:
		return "tcp"
	case config.TransportTLS:
		return "tls"
	default:
		return "udp"
	}
}

// ReceivedRequestEvent is published on eventbus.Topic "transport.request"
// for every inbound request the layer hands up, before any transaction
// has matched it.
type ReceivedRequestEvent struct {
	Request *sip.Request
	Source  sip.Uri
	Kind    config.TransportKind
}

// ReceivedResponseEvent is the response counterpart of ReceivedRequestEvent.
type ReceivedResponseEvent struct {
	Response *sip.Response
	Source   sip.Uri
	Kind     config.TransportKind
}

const (
	// TopicTransportRequest carries ReceivedRequestEvent payloads.
	TopicTransportRequest eventbus.Topic = "transport.request"
	// TopicTransportResponse carries ReceivedResponseEvent payloads.
	TopicTransportResponse eventbus.Topic = "transport.response"
	// TopicTransportError carries a plain error payload.
	TopicTransportError eventbus.Topic = "transport.error"
)

// Facade is the engine's sole entry/exit point for bytes on the wire.
// It satisfies pkg/transaction.Transport.
type Facade struct {
	layer *sipgotransport.Layer
	bus   *eventbus.Bus
}

// New builds a Facade around a fresh transport.Layer. tlsConfig may be
// nil; resolver may be nil to use net.DefaultResolver.
func New(bus *eventbus.Bus, resolver *net.Resolver, tlsConfig *tls.Config) *Facade {
	parser := sip.NewParser()
	layer := sipgotransport.NewLayer(resolver, parser, tlsConfig)
	f := &Facade{layer: layer, bus: bus}
	layer.OnMessage(f.dispatch)
	return f
}

func (f *Facade) dispatch(msg sip.Message) {
	switch m := msg.(type) {
	case *sip.Request:
		f.bus.Publish(TopicTransportRequest, ReceivedRequestEvent{Request: m, Source: m.Recipient})
	case *sip.Response:
		f.bus.Publish(TopicTransportResponse, ReceivedResponseEvent{Response: m})
	}
}

// ListenAndServe binds network (one of "udp", "tcp", "tls") at addr and
// blocks serving inbound connections until ctx is canceled.
func (f *Facade) ListenAndServe(ctx context.Context, kind config.TransportKind, addr string) error {
	return f.layer.ListenAndServe(ctx, networkName(kind), addr)
}

// Send implements transaction.Transport: hands msg to sipgo's transport
// layer for delivery to dest over kind, opening or reusing a connection
// as sipgo's ClientRequestConnection/GetConnection logic decides.
func (f *Facade) Send(_ context.Context, msg sip.Message, dest sip.Uri, kind config.TransportKind) error {
	network := networkName(kind)
	port := dest.Port
	if port == 0 {
		port = defaultPort(kind)
	}
	addr := fmt.Sprintf("%s:%d", dest.Host, port)
	return f.layer.WriteMsgTo(msg, addr, network)
}

// Reliable implements transaction.Transport (RFC 3261 §17: TCP/TLS never
// retransmit at the transaction layer; sipgo's transport already
// guarantees in-order delivery for these).
func (f *Facade) Reliable(kind config.TransportKind) bool {
	return kind.Reliable()
}

// Close tears down every listening socket and open connection.
func (f *Facade) Close() error {
	return f.layer.Close()
}
