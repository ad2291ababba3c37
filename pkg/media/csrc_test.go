package media

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContributorListBoundedAtFifteen(t *testing.T) {
	list := NewContributorList()
	for i := uint32(0); i < MaxContributors; i++ {
		require.NoError(t, list.Add("sess", ContributorInfo{SSRC: i, CNAME: "c"}))
	}
	require.Equal(t, MaxContributors, list.Count())

	err := list.Add("sess", ContributorInfo{SSRC: 1000})
	require.Error(t, err)
	var mediaErr *Error
	require.ErrorAs(t, err, &mediaErr)
	require.Equal(t, ErrCSRCFull, mediaErr.Kind)
}

func TestContributorListReAddUpdatesWithoutConsumingSlot(t *testing.T) {
	list := NewContributorList()
	require.NoError(t, list.Add("sess", ContributorInfo{SSRC: 1, CNAME: "first"}))
	require.NoError(t, list.Add("sess", ContributorInfo{SSRC: 1, CNAME: "second"}))
	require.Equal(t, 1, list.Count())

	info, ok := list.Lookup(1)
	require.True(t, ok)
	require.Equal(t, "second", info.CNAME)
}

func TestContributorListRemoveFreesSlot(t *testing.T) {
	list := NewContributorList()
	require.NoError(t, list.Add("sess", ContributorInfo{SSRC: 1}))
	list.Remove(1)
	require.Equal(t, 0, list.Count())

	_, ok := list.Lookup(1)
	require.False(t, ok)
}

func TestContributorListCSRCListStableOrder(t *testing.T) {
	list := NewContributorList()
	require.NoError(t, list.Add("sess", ContributorInfo{SSRC: 3}))
	require.NoError(t, list.Add("sess", ContributorInfo{SSRC: 1}))
	require.NoError(t, list.Add("sess", ContributorInfo{SSRC: 2}))

	require.Equal(t, []uint32{3, 1, 2}, list.CSRCList())
}
