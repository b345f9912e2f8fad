package rendez

import (
	"bytes"
	"testing"

	"github.com/khannotations/pios/internal/defs"
	"github.com/khannotations/pios/internal/mem"
	"github.com/khannotations/pios/internal/proc"
	"github.com/khannotations/pios/internal/vm"
)

func newFixture(t *testing.T) (*vm.Manager, *proc.Table) {
	t.Helper()
	m := vm.New(mem.NewPhysmem(256))
	tab := proc.NewTable()
	tab.Root.Dir = vm.NewDir()
	return m, tab
}

func allocFrame(t *testing.T, m *vm.Manager) mem.Pa_t {
	t.Helper()
	frame, ok := m.Mem.Alloc()
	if !ok {
		t.Fatalf("out of frames")
	}
	return frame
}

// Property 5: rendezvous atomicity. A PUT that fails validation must leave
// parent and child byte-identical to their pre-call state.
func TestPutRejectsMisalignedWithoutMutating(t *testing.T) {
	m, tab := newFixture(t)
	parent := tab.Root

	bad := Cmd{
		Word:  defs.TypePUT | defs.MemCopy,
		Slot:  0,
		SrcVA: 1, // not PTSIZE-aligned
		DstVA: 0,
		Size:  defs.PTSIZE,
	}
	if _, err := Put(parent, tab, m, bad); err == 0 {
		t.Fatalf("expected validation failure on misaligned COPY")
	}

	child := parent.Children[0]
	if child == nil {
		t.Fatalf("AllocChild should still have run before validation failed")
	}
	// A freshly allocated child has no directory of its own yet; the
	// rejected PUT must not have installed one either.
	if child.Dir != nil {
		if _, mapped := m.Lookup(child.Dir, 0); mapped {
			t.Fatalf("rejected PUT must not have mutated the child")
		}
	}
}

// A basic PUT(REGS|COPY|START) then GET(REGS) round trip: the parent writes
// a byte, COPY-forks it into a freshly allocated child, starts the child
// (which mutates its own register state and RETs), and the parent GETs the
// child's final register state and exit status back.
func TestPutStartThenGetRoundTrip(t *testing.T) {
	m, tab := newFixture(t)
	parent := tab.Root

	if err := m.Insert(parent.Dir, allocFrame(t, m), 0, true, true); err != 0 {
		t.Fatalf("Insert: %v", err)
	}
	if err := m.WriteBytes(parent.Dir, 0, []byte{'X'}); err != 0 {
		t.Fatalf("WriteBytes: %v", err)
	}

	child, _, err := tab.AllocChild(parent, 0)
	if err != 0 {
		t.Fatalf("AllocChild: %v", err)
	}
	child.Dir = vm.NewDir()
	child.SetEntry(func(p *proc.Proc) {
		p.Regs.IP = 0x2000
		proc.Ret(p, 7, true)
	})

	put := Cmd{
		Word:  defs.TypePUT | defs.MemCopy | defs.FlagREGS | defs.FlagSTART,
		Slot:  0,
		Regs:  proc.Regs{IP: 0x1000},
		SrcVA: 0,
		DstVA: 0,
		Size:  defs.PTSIZE,
	}
	if _, err := Put(parent, tab, m, put); err != 0 {
		t.Fatalf("Put: %v", err)
	}

	child.WaitForState(proc.Stop)

	get := Cmd{
		Word: defs.TypeGET | defs.MemNone | defs.FlagREGS,
		Slot: 0,
	}
	res, err := Get(parent, tab, m, get)
	if err != 0 {
		t.Fatalf("Get: %v", err)
	}
	if res.Regs.IP != 0x2000 {
		t.Fatalf("expected child's final IP 0x2000, got %#x", res.Regs.IP)
	}
	if !child.Exited || child.ExitStatus != 7 {
		t.Fatalf("expected exited=true status=7, got exited=%v status=%d", child.Exited, child.ExitStatus)
	}
}

func TestCputsWritesToConsole(t *testing.T) {
	var buf bytes.Buffer
	if err := Cputs(&buf, []byte("hello")); err != 0 {
		t.Fatalf("Cputs: %v", err)
	}
	if buf.String() != "hello" {
		t.Fatalf("got %q", buf.String())
	}
}
