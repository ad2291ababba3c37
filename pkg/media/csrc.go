package media

import (
	"sync"
)

// MaxContributors is RFC 3550's hard limit on the RTP header's 4-bit CSRC
// count (CC) field: at most 15 contributing sources can be listed in any
// one packet.
const MaxContributors = 15

// ContributorInfo names one mixed-in source's identity: just the two
// SDES fields (CNAME/NAME) a mixer needs to attribute audio in a
// conference leg.
type ContributorInfo struct {
	SSRC  uint32
	CNAME string
	Name  string
}

// ContributorList is the media controller's bounded SSRC-to-CSRC mapping
// for mixed (conferenced) streams: an explicit ≤15-contributor structure
// guarded by a single RWMutex, with defensive-copy reads.
type ContributorList struct {
	mu   sync.RWMutex
	byID map[uint32]ContributorInfo
	// order preserves insertion order so CSRC list construction is
	// deterministic across calls, matching the stable ordering an RFC
	// 3550 mixer is expected to present to a conference participant.
	order []uint32
}

// NewContributorList returns an empty, ready-to-use contributor list.
func NewContributorList() *ContributorList {
	return &ContributorList{byID: make(map[uint32]ContributorInfo)}
}

// Add registers ssrc as a contributor, returning ErrCSRCFull once 15
// distinct contributors are already tracked. Re-adding a known SSRC updates
// its metadata without consuming a slot.
func (c *ContributorList) Add(sessionID string, info ContributorInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byID[info.SSRC]; exists {
		c.byID[info.SSRC] = info
		return nil
	}
	if len(c.order) >= MaxContributors {
		return newErr(ErrCSRCFull, sessionID, "contributor list already holds 15 sources")
	}
	c.byID[info.SSRC] = info
	c.order = append(c.order, info.SSRC)
	return nil
}

// Remove drops ssrc from the contributor list, freeing its slot.
func (c *ContributorList) Remove(ssrc uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.byID[ssrc]; !ok {
		return
	}
	delete(c.byID, ssrc)
	for i, s := range c.order {
		if s == ssrc {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// CSRCList returns the current contributor SSRCs in stable insertion
// order, ready to populate an outbound RTP packet's CSRC header field.
func (c *ContributorList) CSRCList() []uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]uint32, len(c.order))
	copy(out, c.order)
	return out
}

// Count returns the number of tracked contributors.
func (c *ContributorList) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Lookup returns the metadata registered for ssrc, if any.
func (c *ContributorList) Lookup(ssrc uint32) (ContributorInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.byID[ssrc]
	return info, ok
}
