package proc

import "testing"

func TestAllocChildIsIdempotentPerSlot(t *testing.T) {
	tab := NewTable()
	c1, fresh1, err := tab.AllocChild(tab.Root, 0)
	if err != 0 || !fresh1 {
		t.Fatalf("expected a fresh child, got err=%v fresh=%v", err, fresh1)
	}
	c2, fresh2, err := tab.AllocChild(tab.Root, 0)
	if err != 0 {
		t.Fatalf("AllocChild: %v", err)
	}
	if fresh2 {
		t.Fatalf("second AllocChild on the same slot should locate, not allocate")
	}
	if c1 != c2 {
		t.Fatalf("expected the same child process on repeated AllocChild")
	}
}

func TestStartRunsEntryAndReturnsToStop(t *testing.T) {
	tab := NewTable()
	c, _, _ := tab.AllocChild(tab.Root, 0)

	ran := make(chan struct{})
	c.SetEntry(func(p *Proc) {
		close(ran)
	})
	tab.Start(c)

	<-ran
	c.WaitForState(Stop)
	if c.State() != Stop {
		t.Fatalf("expected child to settle in STOP, got %v", c.State())
	}
}

func TestRetWakesWaitingParent(t *testing.T) {
	tab := NewTable()
	c, _, _ := tab.AllocChild(tab.Root, 0)

	done := make(chan struct{})
	c.SetEntry(func(p *Proc) {
		Ret(p, 42, true)
	})
	tab.Start(c)

	go func() {
		c.WaitForState(Stop)
		close(done)
	}()

	<-done
	if !c.Exited || c.ExitStatus != 42 {
		t.Fatalf("expected exited=true status=42, got exited=%v status=%d", c.Exited, c.ExitStatus)
	}
}
