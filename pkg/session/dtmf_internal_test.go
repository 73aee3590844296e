package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClampDuration_BelowMinClampedToMin(t *testing.T) {
	got := clampDuration(10*time.Millisecond, DTMFDefaultDuration, DTMFMinDuration, DTMFMaxDuration)
	assert.Equal(t, DTMFMinDuration, got)
}

func TestClampDuration_AboveMaxClampedToMax(t *testing.T) {
	got := clampDuration(10*time.Second, DTMFDefaultDuration, DTMFMinDuration, DTMFMaxDuration)
	assert.Equal(t, DTMFMaxDuration, got)
}

func TestClampDuration_ZeroUsesDefault(t *testing.T) {
	got := clampDuration(0, DTMFDefaultDuration, DTMFMinDuration, DTMFMaxDuration)
	assert.Equal(t, DTMFDefaultDuration, got)
}

func TestClampDuration_WithinRangeUnchanged(t *testing.T) {
	got := clampDuration(200*time.Millisecond, DTMFDefaultDuration, DTMFMinDuration, DTMFMaxDuration)
	assert.Equal(t, 200*time.Millisecond, got)
}

func TestClampInterToneGap_ZeroUsesDefault(t *testing.T) {
	got := clampInterToneGap(0)
	assert.Equal(t, DTMFDefaultGap, got)
}

func TestClampInterToneGap_BelowMinClampedToMin(t *testing.T) {
	got := clampInterToneGap(10 * time.Millisecond)
	assert.Equal(t, DTMFMinInterToneGap, got)
}

func TestClampInterToneGap_WithinRangeUnchanged(t *testing.T) {
	got := clampInterToneGap(200 * time.Millisecond)
	assert.Equal(t, 200*time.Millisecond, got)
}

func TestParseDTMFRelayBody(t *testing.T) {
	tone, durationMs, ok := parseDTMFRelayBody([]byte("Signal=5\r\nDuration=160\r\n"))
	assert.True(t, ok)
	assert.Equal(t, "5", tone)
	assert.Equal(t, 160, durationMs)
}

func TestParseDTMFRelayBody_MissingSignal(t *testing.T) {
	_, _, ok := parseDTMFRelayBody([]byte("Duration=160\r\n"))
	assert.False(t, ok)
}

func TestToUpperTone(t *testing.T) {
	assert.Equal(t, 'A', toUpperTone('a'))
	assert.Equal(t, 'D', toUpperTone('d'))
	assert.Equal(t, '5', toUpperTone('5'))
	assert.Equal(t, '*', toUpperTone('*'))
}
