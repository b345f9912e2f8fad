package node

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/khannotations/pios/internal/defs"
	"github.com/khannotations/pios/internal/proc"
	"github.com/khannotations/pios/internal/vm"
)

func quietLog() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestNodeMigrateThenFaultPullsRemotePage(t *testing.T) {
	cfgA := ClusterConfig{Self: 1, Listen: "127.0.0.1:19801", Frames: 64, Peers: map[defs.NodeID]string{2: "127.0.0.1:19802"}}
	cfgB := ClusterConfig{Self: 2, Listen: "127.0.0.1:19802", Frames: 64, Peers: map[defs.NodeID]string{1: "127.0.0.1:19801"}}

	a, err := New(cfgA, quietLog())
	require.NoError(t, err)
	defer a.Close()
	b, err := New(cfgB, quietLog())
	require.NoError(t, err)
	defer b.Close()

	go a.Run()
	go b.Run()
	time.Sleep(20 * time.Millisecond)

	child, _, perr := a.Procs.AllocChild(a.Procs.Root, 0)
	require.Zero(t, perr)
	child.Dir = vm.NewDir()
	frame, ok := a.Mem.Alloc()
	require.True(t, ok)
	page := a.Mem.Page(frame)
	for i := range page {
		page[i] = 0x42
	}
	require.Zero(t, a.VM.Insert(child.Dir, frame, 0, true, true))
	child.Home = defs.RR{Node: 1, Addr: uint32(child.ID)}

	a.Mig.MigrateOut(child, 2, nil)

	deadline := time.After(2 * time.Second)
	var arrived *proc.Proc
	for arrived == nil {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for arrival on node B")
		default:
			var ok2 bool
			arrived, ok2 = b.Procs.LookupByHome(child.Home)
			if !ok2 {
				arrived = nil
				time.Sleep(10 * time.Millisecond)
			}
		}
	}

	require.Zero(t, b.Fault(arrived.Dir, 0))

	buf := make([]byte, defs.PAGESIZE)
	require.Zero(t, b.VM.ReadBytes(arrived.Dir, 0, buf))
	for i, v := range buf {
		if v != 0x42 {
			t.Fatalf("byte %d: got %x want 0x42", i, v)
		}
	}
}
