package transaction

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
)

// Role distinguishes which side of the transaction owns this key, the
// third component of the TransactionKey tuple.
type Role bool

const (
	RoleServer Role = false
	RoleClient Role = true
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// Key is the TransactionKey: (branch, method-ignoring-ACK-CANCEL,
// role). It is a plain comparable struct so it can be used directly as a
// map key.
type Key struct {
	Branch string
	Method sip.RequestMethod
	Role   Role
}

func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Branch, k.Method, k.Role)
}

// normalizeMethod folds CANCEL and non-2xx ACK onto the INVITE method so
// that they match the existing INVITE transaction's key
// ("method-ignoring-ACK-CANCEL"): CANCEL matches the INVITE it cancels,
// and ACK for a non-2xx final response matches the IST.
func normalizeMethod(m sip.RequestMethod) sip.RequestMethod {
	switch m {
	case sip.CANCEL, sip.ACK:
		return sip.INVITE
	default:
		return m
	}
}

// KeyFromRequest computes the matching key for an inbound or outbound
// request. role is the role of the transaction this request belongs to
// (RoleClient when we sent it, RoleServer when we received it).
func KeyFromRequest(req *sip.Request, branch string, role Role) Key {
	return Key{Branch: branch, Method: normalizeMethod(req.Method), Role: role}
}

// KeyFromResponseMatch computes the key a client transaction must have
// been created with in order to match an inbound response: branch of the
// response's top Via, plus CSeq.Method.
func KeyFromResponseMatch(resp *sip.Response) (Key, error) {
	via, ok := resp.Via()
	if !ok {
		return Key{}, fmt.Errorf("response missing Via header")
	}
	cseq, ok := resp.CSeq()
	if !ok {
		return Key{}, fmt.Errorf("response missing CSeq header")
	}
	branch, ok := via.Params.Get("branch")
	if !ok || branch == "" {
		return Key{}, fmt.Errorf("response Via missing branch parameter")
	}
	return Key{Branch: branch, Method: normalizeMethod(cseq.MethodName), Role: RoleClient}, nil
}

// KeyFromRequestMatch computes the key an existing server transaction
// must have been created with in order to match an inbound request (a
// retransmission, a CANCEL, or an ACK for a non-2xx final response).
func KeyFromRequestMatch(req *sip.Request) (Key, error) {
	via, ok := req.Via()
	if !ok {
		return Key{}, fmt.Errorf("request missing Via header")
	}
	branch, ok := via.Params.Get("branch")
	if !ok || branch == "" {
		return Key{}, fmt.Errorf("request Via missing branch parameter")
	}
	return Key{Branch: branch, Method: normalizeMethod(req.Method), Role: RoleServer}, nil
}
