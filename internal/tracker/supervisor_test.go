package tracker

import (
	"context"
	"testing"
	"time"
)

func TestSupervisor_StartMarksActive(t *testing.T) {
	s := NewSupervisor()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start("flow-1", cancel)

	if !s.IsActive("flow-1") {
		t.Fatal("expected flow-1 to be active after Start")
	}
}

func TestSupervisor_UnknownFlowNotActive(t *testing.T) {
	s := NewSupervisor()
	if s.IsActive("flow-unknown") {
		t.Fatal("expected unknown flow to be inactive")
	}
}

func TestSupervisor_StopCancelsAndClearsActive(t *testing.T) {
	s := NewSupervisor()
	ctx, cancel := context.WithCancel(context.Background())
	s.Start("flow-1", cancel)

	s.Stop("flow-1")

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("expected Stop to cancel the flow's context")
	}
	if s.IsActive("flow-1") {
		t.Fatal("expected flow-1 to be inactive after Stop")
	}
}

func TestSupervisor_StopUnknownIsNoop(t *testing.T) {
	s := NewSupervisor()
	s.Stop("flow-unknown")
}

func TestSupervisor_FinishClearsActiveWithoutCanceling(t *testing.T) {
	s := NewSupervisor()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start("flow-1", cancel)

	s.Finish("flow-1")

	if s.IsActive("flow-1") {
		t.Fatal("expected flow-1 to be inactive after Finish")
	}
}

func TestSupervisor_DoubleStartIgnoresSecondController(t *testing.T) {
	s := NewSupervisor()
	firstCancelled := false
	_, firstCancel := context.WithCancel(context.Background())
	_ = firstCancel
	ctx1, cancel1 := context.WithCancel(context.Background())
	go func() {
		<-ctx1.Done()
		firstCancelled = true
	}()
	s.Start("flow-1", cancel1)

	_, cancel2 := context.WithCancel(context.Background())
	s.Start("flow-1", cancel2)

	s.Stop("flow-1")
	time.Sleep(50 * time.Millisecond)

	if !firstCancelled {
		t.Fatal("expected Stop to cancel the first-registered controller, not be overwritten by the duplicate start")
	}
}

func TestSupervisor_RecordAndClearTimeout(t *testing.T) {
	s := NewSupervisor()
	s.RecordTimeout("flow-1", "noble_cctp_minted", 300000)
	s.ClearTimeout("flow-1")
}

func TestSupervisor_ClearTimeoutUnknownFlowIsNoop(t *testing.T) {
	s := NewSupervisor()
	s.ClearTimeout("flow-unknown")
}
