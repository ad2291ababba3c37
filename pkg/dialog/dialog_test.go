package dialog

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uri(user, host string) sip.Uri {
	return sip.Uri{User: user, Host: host}
}

func inviteWithTag(fromTag, callID string) *sip.Request {
	req := sip.NewRequest(sip.INVITE, uri("bob", "example.com"))
	req.AppendHeader(&sip.FromHeader{Address: uri("alice", "example.com"), Params: tagParams(fromTag)})
	req.AppendHeader(&sip.ToHeader{Address: uri("bob", "example.com")})
	cid := sip.CallID(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeq{SeqNo: 1, MethodName: sip.INVITE})
	return req
}

func response180(toTag string) *sip.Response {
	resp := sip.NewResponse(180, "Ringing")
	resp.AppendHeader(&sip.ToHeader{Address: uri("bob", "example.com"), Params: tagParams(toTag)})
	return resp
}

func response200(toTag string) *sip.Response {
	resp := sip.NewResponse(200, "OK")
	resp.AppendHeader(&sip.ToHeader{Address: uri("bob", "example.com"), Params: tagParams(toTag)})
	resp.AppendHeader(&sip.ContactHeader{Address: uri("bob", "10.0.0.2")})
	return resp
}

func TestCreateUACDialogFromResponse_ProvisionalEntersEarly(t *testing.T) {
	req := inviteWithTag("aliceTag", "call-1")
	resp := response180("bobTag")

	d, err := CreateUACDialogFromResponse(req, resp, nil)
	require.NoError(t, err)
	assert.Equal(t, StateEarly, d.State())
	assert.Equal(t, ID{CallID: "call-1", LocalTag: "aliceTag", RemoteTag: "bobTag"}, d.ID())
	assert.True(t, d.IsInitiator())
}

func TestCreateUACDialogFromResponse_2xxEntersConfirmedDirectly(t *testing.T) {
	req := inviteWithTag("aliceTag", "call-2")
	resp := response200("bobTag")

	d, err := CreateUACDialogFromResponse(req, resp, nil)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, d.State())
	assert.Equal(t, uri("bob", "10.0.0.2"), d.RemoteTarget())
}

func TestApplyResponse_EarlyAdvancesToConfirmedOn2xx(t *testing.T) {
	req := inviteWithTag("aliceTag", "call-3")
	d, err := CreateUACDialogFromResponse(req, response180("bobTag"), nil)
	require.NoError(t, err)

	err = d.ApplyResponse(response200("bobTag"), true)
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, d.State())
}

func TestApplyResponse_FinalFailureTerminatesEarlyDialog(t *testing.T) {
	req := inviteWithTag("aliceTag", "call-4")
	d, err := CreateUACDialogFromResponse(req, response180("bobTag"), nil)
	require.NoError(t, err)

	busy := sip.NewResponse(486, "Busy Here")
	busy.AppendHeader(&sip.ToHeader{Address: uri("bob", "example.com"), Params: tagParams("bobTag")})

	require.NoError(t, d.ApplyResponse(busy, true))
	assert.Equal(t, StateTerminated, d.State())
}

func TestBuildInDialogRequest_ACKReusesInviteCSeqOthersIncrement(t *testing.T) {
	req := inviteWithTag("aliceTag", "call-5")
	d, err := CreateUACDialogFromResponse(req, response200("bobTag"), nil)
	require.NoError(t, err)

	ack := d.BuildInDialogRequest(sip.ACK, 1)
	cseq, ok := ack.CSeq()
	require.True(t, ok)
	assert.Equal(t, uint32(1), cseq.SeqNo)

	bye := d.BuildInDialogRequest(sip.BYE, 1)
	cseq, ok = bye.CSeq()
	require.True(t, ok)
	assert.Equal(t, uint32(2), cseq.SeqNo)

	bye2 := d.BuildInDialogRequest(sip.BYE, 1)
	cseq, ok = bye2.CSeq()
	require.True(t, ok)
	assert.Equal(t, uint32(3), cseq.SeqNo, "local_seq is monotonically non-decreasing across non-ACK requests")
}

func TestCheckInOrder_RejectsLowerCSeq(t *testing.T) {
	req := inviteWithTag("aliceTag", "call-6")
	d, err := CreateUASDialogFromRequest(req, "bobTag", nil)
	require.NoError(t, err)

	require.NoError(t, d.CheckInOrder(5))
	err = d.CheckInOrder(3)
	require.Error(t, err)
	assert.Equal(t, uint32(5), d.RemoteSeq(), "remote_seq must not move backward on a rejected request")
}

func TestMatchRequest_SwapsTagsFromPeerPerspective(t *testing.T) {
	req := inviteWithTag("aliceTag", "call-7")
	to, ok := req.To()
	require.True(t, ok)
	to.Params.Add("tag", "bobTag")

	id, err := MatchRequest(req)
	require.NoError(t, err)
	assert.Equal(t, ID{CallID: "call-7", LocalTag: "bobTag", RemoteTag: "aliceTag"}, id)
}

func TestRecoveryLifecycle(t *testing.T) {
	req := inviteWithTag("aliceTag", "call-8")
	d, err := CreateUACDialogFromResponse(req, response200("bobTag"), nil)
	require.NoError(t, err)
	require.Equal(t, StateConfirmed, d.State())

	require.NoError(t, d.MarkRecovering())
	assert.Equal(t, StateRecovering, d.State())

	require.NoError(t, d.CompleteRecovery())
	assert.Equal(t, StateConfirmed, d.State())

	require.NoError(t, d.MarkRecovering())
	require.NoError(t, d.AbandonRecovery())
	assert.Equal(t, StateTerminated, d.State())
}

func TestRouteSet_LooseRoutingKeepsRequestURIAtRemoteTarget(t *testing.T) {
	resp := response200("bobTag")
	rr := &sip.RecordRouteHeader{Address: sip.Uri{Host: "proxy1.example.com"}}
	lrParams := sip.NewParams()
	lrParams.Add("lr", "")
	rr.Address.UriParams = lrParams
	resp.AppendHeader(rr)

	rs := buildRouteSet(resp, true)
	require.Len(t, rs, 1)
	assert.True(t, rs.isLooseRouting())
	target := uri("bob", "10.0.0.2")
	assert.Equal(t, target, rs.requestURI(target))
}

func TestRouteSet_StrictRoutingPutsFirstRouteAsRequestURI(t *testing.T) {
	resp := response200("bobTag")
	rr := &sip.RecordRouteHeader{Address: sip.Uri{Host: "proxy1.example.com"}}
	resp.AppendHeader(rr)

	rs := buildRouteSet(resp, true)
	require.Len(t, rs, 1)
	assert.False(t, rs.isLooseRouting())
	target := uri("bob", "10.0.0.2")
	assert.Equal(t, sip.Uri{Host: "proxy1.example.com"}, rs.requestURI(target))

	headers := rs.routeHeaders(target)
	require.Len(t, headers, 1)
	assert.Equal(t, target, headers[0].Address, "strict routing appends the remote target as the last Route")
}
