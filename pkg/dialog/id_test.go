package dialog_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crocodilertc/sipua/pkg/dialog"
)

func TestID_String(t *testing.T) {
	id := dialog.ID{CallID: "abc123", LocalTag: "l1", RemoteTag: "r1"}
	assert.Equal(t, "abc123;l1;r1", id.String())
}

func TestID_Less(t *testing.T) {
	a := dialog.ID{CallID: "a", LocalTag: "1", RemoteTag: "1"}
	b := dialog.ID{CallID: "b", LocalTag: "1", RemoteTag: "1"}
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
}

func TestID_IsZero(t *testing.T) {
	assert.True(t, dialog.ID{}.IsZero())
	assert.False(t, dialog.ID{CallID: "x"}.IsZero())
}

func TestParseTargetDialog(t *testing.T) {
	callID, remoteTag, localTag, err := dialog.ParseTargetDialog("abc123;remote-tag=r1;local-tag=l1")
	require.NoError(t, err)
	assert.Equal(t, "abc123", callID)
	assert.Equal(t, "r1", remoteTag)
	assert.Equal(t, "l1", localTag)
}

func TestParseTargetDialog_Empty(t *testing.T) {
	_, _, _, err := dialog.ParseTargetDialog("")
	assert.Error(t, err)
}

func TestParseTargetDialog_MissingCallID(t *testing.T) {
	_, _, _, err := dialog.ParseTargetDialog(";remote-tag=r1")
	assert.Error(t, err)
}

func TestTargetDialogValue_RoundTrip(t *testing.T) {
	id := dialog.ID{CallID: "abc123", LocalTag: "l1", RemoteTag: "r1"}
	// From our perspective, our local-tag is the recipient's remote-tag.
	value := dialog.TargetDialogValue(id)
	callID, remoteTag, localTag, err := dialog.ParseTargetDialog(value)
	require.NoError(t, err)
	assert.Equal(t, id.CallID, callID)
	assert.Equal(t, id.LocalTag, remoteTag)
	assert.Equal(t, id.RemoteTag, localTag)
}
