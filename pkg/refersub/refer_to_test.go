package refersub_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crocodilertc/sipua/pkg/refersub"
)

func TestParseReferTo_Simple(t *testing.T) {
	target, replaces, err := refersub.ParseReferTo("<sip:bob@example.com>")
	require.NoError(t, err)
	assert.Equal(t, "", replaces)
	assert.Equal(t, "bob", target.User)
	assert.Equal(t, "example.com", target.Host)
}

func TestParseReferTo_WithReplaces(t *testing.T) {
	raw := "<sip:bob@example.com?Replaces=callid123%3Bto-tag%3Dt1%3Bfrom-tag%3Df1>"
	target, replaces, err := refersub.ParseReferTo(raw)
	require.NoError(t, err)
	assert.Equal(t, "bob", target.User)
	assert.Equal(t, "callid123;to-tag=t1;from-tag=f1", replaces)
}

func TestParseReferTo_Empty(t *testing.T) {
	_, _, err := refersub.ParseReferTo("")
	assert.Error(t, err)
}

func TestParseReferTo_TooLong(t *testing.T) {
	raw := "<sip:" + strings.Repeat("a", refersub.MaxReferToLength) + "@example.com>"
	_, _, err := refersub.ParseReferTo(raw)
	assert.Error(t, err)
}

func TestParseReferTo_RejectsCRLF(t *testing.T) {
	_, _, err := refersub.ParseReferTo("sip:bob@example.com\r\nEvil-Header: x")
	assert.Error(t, err)
}

func TestParseReferTo_InvalidURI(t *testing.T) {
	_, _, err := refersub.ParseReferTo("not-a-uri")
	assert.Error(t, err)
}

func TestParseReplaces(t *testing.T) {
	callID, toTag, fromTag, err := refersub.ParseReplaces("callid123;to-tag=t1;from-tag=f1")
	require.NoError(t, err)
	assert.Equal(t, "callid123", callID)
	assert.Equal(t, "t1", toTag)
	assert.Equal(t, "f1", fromTag)
}

func TestParseReplaces_MissingCallID(t *testing.T) {
	_, _, _, err := refersub.ParseReplaces(";to-tag=t1")
	assert.Error(t, err)
}

func TestParseReplaces_NoTags(t *testing.T) {
	_, _, _, err := refersub.ParseReplaces("callid123")
	assert.Error(t, err)
}

func TestFormatReferTo_NoReplaces(t *testing.T) {
	target, _, err := refersub.ParseReferTo("<sip:bob@example.com>")
	require.NoError(t, err)
	got := refersub.FormatReferTo(target, "", "", "")
	assert.NotContains(t, got, "Replaces")
}

func TestFormatReferTo_RoundTrip(t *testing.T) {
	target, _, err := refersub.ParseReferTo("<sip:bob@example.com>")
	require.NoError(t, err)
	formatted := refersub.FormatReferTo(target, "callid123", "t1", "f1")

	_, replaces, err := refersub.ParseReferTo(formatted)
	require.NoError(t, err)
	callID, toTag, fromTag, err := refersub.ParseReplaces(replaces)
	require.NoError(t, err)
	assert.Equal(t, "callid123", callID)
	assert.Equal(t, "t1", toTag)
	assert.Equal(t, "f1", fromTag)
}
