package refersub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatSipfrag(t *testing.T) {
	assert.Equal(t, "SIP/2.0 200 OK\r\n", string(formatSipfrag(200, "")))
	assert.Equal(t, "SIP/2.0 100 Trying\r\n", string(formatSipfrag(100, "")))
	assert.Equal(t, "SIP/2.0 503 Custom\r\n", string(formatSipfrag(503, "Custom")))
}

func TestParseSipfragStatusCode(t *testing.T) {
	assert.Equal(t, 200, parseSipfragStatusCode([]byte("SIP/2.0 200 OK\r\n")))
	assert.Equal(t, 100, parseSipfragStatusCode([]byte("SIP/2.0 100 Trying\r\n")))
}

func TestParseSipfragStatusCode_Empty(t *testing.T) {
	assert.Equal(t, 0, parseSipfragStatusCode(nil))
}

func TestParseSipfragStatusCode_Malformed(t *testing.T) {
	assert.Equal(t, 0, parseSipfragStatusCode([]byte("garbage")))
}

func TestFormatSipfrag_RoundTrip(t *testing.T) {
	body := formatSipfrag(180, "Ringing")
	assert.Equal(t, 180, parseSipfragStatusCode(body))
}
