package dialog

import "github.com/emiago/sipgo/sip"

// RouteSet is the ordered list of URIs an in-dialog request must be
// routed through, derived from Record-Route per RFC 3261 §12.2.1.1,
// built directly against github.com/emiago/sipgo/sip's
// RecordRouteHeader/RouteHeader linked lists.
type RouteSet []sip.Uri

// buildRouteSet walks a response's (possibly several, possibly chained)
// Record-Route headers and orders them per RFC 3261 §12.1.2: a UAC
// stores them in the order received; a UAS stores them reversed.
func buildRouteSet(resp *sip.Response, isUAC bool) RouteSet {
	var uris []sip.Uri
	for _, h := range resp.GetHeaders("Record-Route") {
		for hop := h.(*sip.RecordRouteHeader); hop != nil; hop = hop.Next {
			uris = append(uris, hop.Address)
		}
	}
	if isUAC {
		return RouteSet(uris)
	}
	reversed := make([]sip.Uri, len(uris))
	for i, u := range uris {
		reversed[len(uris)-1-i] = u
	}
	return RouteSet(reversed)
}

// buildRouteSetFromRequest mirrors buildRouteSet for the UAS side, which
// reads Record-Route off the dialog-creating request rather than the
// response it sends.
func buildRouteSetFromRequest(req *sip.Request) RouteSet {
	var uris []sip.Uri
	for _, h := range req.GetHeaders("Record-Route") {
		for hop := h.(*sip.RecordRouteHeader); hop != nil; hop = hop.Next {
			uris = append(uris, hop.Address)
		}
	}
	reversed := make([]sip.Uri, len(uris))
	for i, u := range uris {
		reversed[len(uris)-1-i] = u
	}
	return RouteSet(reversed)
}

// isLooseRouting reports whether the top of the route set carries the
// "lr" parameter (RFC 3261 §19.1.1): if so, in-dialog requests use
// loose routing.
func (rs RouteSet) isLooseRouting() bool {
	if len(rs) == 0 {
		return false
	}
	_, ok := rs[0].UriParams.Get("lr")
	return ok
}

// requestURI computes the Request-URI for an in-dialog request: the
// remote target under loose routing, or the first route entry under
// strict routing (RFC 3261 §12.2.1.1).
func (rs RouteSet) requestURI(remoteTarget sip.Uri) sip.Uri {
	if len(rs) == 0 || rs.isLooseRouting() {
		return remoteTarget
	}
	return rs[0]
}

// routeHeaders computes the Route headers to append to an in-dialog
// request. Under loose routing every entry becomes a Route header and
// the remote target is untouched; under strict routing the first entry
// becomes the Request-URI (handled by requestURI) and the remaining
// entries plus the remote target (appended last) become Route headers.
func (rs RouteSet) routeHeaders(remoteTarget sip.Uri) []*sip.RouteHeader {
	if len(rs) == 0 {
		return nil
	}
	if rs.isLooseRouting() {
		headers := make([]*sip.RouteHeader, 0, len(rs))
		for _, u := range rs {
			headers = append(headers, &sip.RouteHeader{Address: u})
		}
		return headers
	}
	headers := make([]*sip.RouteHeader, 0, len(rs))
	for _, u := range rs[1:] {
		headers = append(headers, &sip.RouteHeader{Address: u})
	}
	headers = append(headers, &sip.RouteHeader{Address: remoteTarget})
	return headers
}
