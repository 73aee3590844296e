package dialog

import (
	"fmt"
	"strings"
)

// ID identifies a dialog by the RFC 3261 §12 triple (Call-ID,
// local-tag, remote-tag). It is immutable after creation and
// total-ordered by its string form.
type ID struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

// String renders the id in the canonical "call-id;local-tag;remote-tag"
// form used as the registry key.
func (id ID) String() string {
	return id.CallID + ";" + id.LocalTag + ";" + id.RemoteTag
}

// Less gives IDs a total order over their string form.
func (id ID) Less(other ID) bool {
	return id.String() < other.String()
}

// IsZero reports whether id carries no identifying information yet,
// e.g. before any tag has been learned from the peer.
func (id ID) IsZero() bool {
	return id.CallID == "" && id.LocalTag == "" && id.RemoteTag == ""
}

// ParseTargetDialog parses an RFC 4538 Target-Dialog header value of
// the form `call-id;remote-tag=<tag>;local-tag=<tag>` into the ID the
// *sender* of the request means — i.e. their local-tag is our
// remote-tag and vice versa, so the caller must swap fields after
// parsing if matching against our own registry from the other side.
// This function returns the triple as literally written on the wire.
func ParseTargetDialog(raw string) (callID, remoteTag, localTag string, err error) {
	parts := strings.Split(raw, ";")
	if len(parts) == 0 || strings.TrimSpace(parts[0]) == "" {
		return "", "", "", fmt.Errorf("dialog: empty Target-Dialog header")
	}
	callID = strings.TrimSpace(parts[0])
	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		switch {
		case strings.HasPrefix(p, "remote-tag="):
			remoteTag = strings.TrimPrefix(p, "remote-tag=")
		case strings.HasPrefix(p, "local-tag="):
			localTag = strings.TrimPrefix(p, "local-tag=")
		}
	}
	if callID == "" {
		return "", "", "", fmt.Errorf("dialog: Target-Dialog missing call-id")
	}
	return callID, remoteTag, localTag, nil
}

// TargetDialogValue renders a Target-Dialog header value identifying
// this dialog from the perspective of the request's recipient: our
// local-tag becomes their remote-tag and vice versa.
func TargetDialogValue(id ID) string {
	return fmt.Sprintf("%s;remote-tag=%s;local-tag=%s", id.CallID, id.LocalTag, id.RemoteTag)
}
