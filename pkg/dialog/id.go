package dialog

import "fmt"

// ID is DialogId tuple: (Call-ID, local-tag, remote-tag).
// A dialog is only constructed once both tags are known (on the first
// 1xx-with-To-tag or 2xx for a UAC dialog, or at request receipt for a
// UAS dialog), so this is always fully populated — there is no "pending"
// half-built ID to track.
type ID struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

func (id ID) String() string {
	return fmt.Sprintf("%s|%s|%s", id.CallID, id.LocalTag, id.RemoteTag)
}
