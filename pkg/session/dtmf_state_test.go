package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crocodilertc/sipua/pkg/dialog"
	"github.com/crocodilertc/sipua/pkg/timer"
)

func TestSendDTMF_RejectedOutsideConfirmed(t *testing.T) {
	s := New("sess-1", Outgoing, Config{
		Registry: dialog.NewRegistry(timer.NewService()),
		Timers:   timer.NewService(),
	})

	err := s.SendDTMF(context.Background(), "123", DTMFOptions{})
	assert.Error(t, err)
}

func TestSendDTMF_InvalidToneRejected(t *testing.T) {
	s := New("sess-2", Outgoing, Config{
		Registry: dialog.NewRegistry(timer.NewService()),
		Timers:   timer.NewService(),
	})
	s.fsm.SetState(Confirmed)

	err := s.SendDTMF(context.Background(), "xyz", DTMFOptions{})
	assert.Error(t, err)
}
