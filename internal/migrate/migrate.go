package migrate

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/khannotations/pios/internal/defs"
	"github.com/khannotations/pios/internal/hashtable"
	"github.com/khannotations/pios/internal/mem"
	"github.com/khannotations/pios/internal/proc"
	"github.com/khannotations/pios/internal/vm"
)

// RetransmitEvery stands in for "every 64th timer tick": MIGRQ and PULLRQ
// packets are resent on this interval until acknowledged.
const RetransmitEvery = 200 * time.Millisecond

func rrKey(rr defs.RR) string {
	return fmt.Sprintf("%d:%d", rr.Node, rr.Addr)
}

// pendingMigrq is an outbound MIGRQ awaiting acknowledgement: the raw
// packet bytes and the peer to (re)send to. pendingPull is its counterpart
// for a pull, holding the fragments collected so far.
type pendingMigrq struct {
	dst  defs.NodeID
	wire []byte
}

type pendingPull struct {
	dst      defs.NodeID
	rr       defs.RR
	level    defs.PullLevel
	arrived  uint8
	parts    [defs.NumParts][]byte
	done     chan struct{}
}

// Migrator drives MIGRQ/MIGRP and PULLRQ/PULLRP over a packet transport.
// One Migrator runs per node, grounded on the host kernel's network
// interrupt handler generalized from raw Ethernet frames to UDP
// (net.PacketConn), per SPEC_FULL's transport supplement.
type Migrator struct {
	self  defs.NodeID
	conn  net.PacketConn
	peers map[defs.NodeID]string // node id -> "host:port"
	tab   *proc.Table
	vmgr  *vm.Manager
	log   *logrus.Entry

	mu      sync.Mutex
	away    *hashtable.Table // home-RR key -> *proc.Proc, AWAY-state arrivals
	sendOut map[string]pendingMigrq
	pullOut map[string]*pendingPull

	stop chan struct{}
}

func New(self defs.NodeID, conn net.PacketConn, peers map[defs.NodeID]string, tab *proc.Table, vmgr *vm.Manager, log *logrus.Logger) *Migrator {
	return &Migrator{
		self:    self,
		conn:    conn,
		peers:   peers,
		tab:     tab,
		vmgr:    vmgr,
		log:     log.WithField("node", self),
		away:    hashtable.New(64),
		sendOut: map[string]pendingMigrq{},
		pullOut: map[string]*pendingPull{},
		stop:    make(chan struct{}),
	}
}

// Run starts the receive loop and the retransmission timer; it blocks
// until Close is called.
func (m *Migrator) Run() {
	go m.retransmitLoop()
	buf := make([]byte, 64*1024)
	for {
		n, _, err := m.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-m.stop:
				return
			default:
				m.log.WithError(err).Warn("migrate: read error")
				continue
			}
		}
		pkt := append([]byte(nil), buf[:n]...)
		go m.handle(pkt)
	}
}

// Close stops the receive and retransmission loops.
func (m *Migrator) Close() {
	close(m.stop)
	m.conn.Close()
}

func (m *Migrator) retransmitLoop() {
	ticker := time.NewTicker(RetransmitEvery)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			for _, p := range m.sendOut {
				m.sendTo(p.dst, p.wire)
			}
			for _, p := range m.pullOut {
				m.sendPullrq(p)
			}
			m.mu.Unlock()
		}
	}
}

func (m *Migrator) sendTo(dst defs.NodeID, wire []byte) {
	addr, ok := m.peers[dst]
	if !ok {
		m.log.WithField("dst", dst).Warn("migrate: no address for peer")
		return
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		m.log.WithError(err).Warn("migrate: resolve peer address")
		return
	}
	if _, err := m.conn.WriteTo(wire, raddr); err != nil {
		m.log.WithError(err).Warn("migrate: send failed")
	}
}

// MigrateOut sends p to dst: builds the MIGRQ packet from p's home-RR,
// page-directory RR, and saved register state, marks p MIGR, and queues
// the packet for retransmission until MIGRP arrives.
func (m *Migrator) MigrateOut(p *proc.Proc, dst defs.NodeID, savedState []byte) {
	p.ForceState(proc.Migr)
	p.MigrTo = dst

	var pages []PageDesc
	for _, lp := range m.vmgr.ExportLocalPages(p.Dir) {
		pages = append(pages, PageDesc{VA: lp.VA, Frame: lp.Frame, Read: lp.SysRead, Write: lp.SysWrite})
	}

	body := Migrq{
		Home:   p.Home,
		PdirRR: defs.RR{Node: m.self, Addr: uint32(p.ID), Read: true, Write: true},
		State:  savedState,
		Pages:  pages,
	}
	wire := body.Marshal(m.self, dst)

	m.mu.Lock()
	m.sendOut[rrKey(p.Home)] = pendingMigrq{dst: dst, wire: wire}
	m.mu.Unlock()

	m.sendTo(dst, wire)
}

func (m *Migrator) handle(pkt []byte) {
	d, err := Parse(pkt)
	if err != nil {
		m.log.WithError(err).Warn("migrate: malformed packet")
		return
	}
	switch {
	case d.Migrq != nil:
		m.handleMigrq(d.Header.Src, *d.Migrq)
	case d.Migrp != nil:
		m.handleMigrp(*d.Migrp)
	case d.Pullrq != nil:
		m.handlePullrq(d.Header.Src, *d.Pullrq)
	case d.Pullrp != nil:
		m.handlePullrp(*d.Pullrp)
	}
}

// handleMigrq is the receiving side of migration: look up or allocate the
// AWAY-state process by home-RR (idempotent on duplicate MIGRQ), install a
// REMOTE mapping back to src for every page body.Pages names, and
// acknowledge with MIGRP. Each page's actual contents arrive lazily via
// PULLRQ/PULLRP the first time the arrived process touches it — this
// implementation always resolves at PullPage granularity; Pullrq.Level's
// table/directory levels are carried on the wire for a fuller protocol but
// nothing in this node ever requests them, since per-page REMOTE mappings
// already name every page individually.
func (m *Migrator) handleMigrq(src defs.NodeID, body Migrq) {
	key := rrKey(body.Home)
	if _, ok := m.away.Get(key); !ok {
		p := proc.NewArrival()
		p.Home = body.Home
		p.Dir = vm.NewDir()
		p.Pull = &proc.PullState{RR: body.PdirRR, Level: defs.PullDir}
		for _, pg := range body.Pages {
			if e := m.vmgr.InsertRemote(p.Dir, pg.VA, src, pg.Frame, pg.Read, pg.Write); e != 0 {
				m.log.WithField("va", pg.VA).WithError(fmt.Errorf("err %d", e)).Warn("migrate: could not install remote mapping for arrival")
			}
		}
		m.tab.Insert(p)
		m.away.Put(key, p)
	}

	ack := Migrp{Home: body.Home}.Marshal(m.self, src)
	m.sendTo(src, ack)
}

func (m *Migrator) handleMigrp(body Migrp) {
	key := rrKey(body.Home)
	m.mu.Lock()
	_, ok := m.sendOut[key]
	if ok {
		delete(m.sendOut, key)
	}
	m.mu.Unlock()
	if !ok {
		return // duplicate ack or unknown home-RR: idempotent no-op
	}
	if p, found := m.tab.LookupByHome(body.Home); found {
		p.ForceState(proc.Away)
	}
}

// handlePullrq answers a page/table/directory request: validates the
// frame is resident and owned locally, marks it shared with the
// requester, and sends back the three fixed-size fragments.
func (m *Migrator) handlePullrq(src defs.NodeID, body Pullrq) {
	if body.RR.Node != m.self {
		return // not ours to serve
	}
	pa := mem.Pa_t(body.RR.Addr)
	if m.vmgr.Mem.Refcnt(pa) <= 0 {
		return // not resident
	}
	m.vmgr.Mem.ShareWith(pa, src)
	page := m.vmgr.Mem.Page(pa)
	for part := uint8(0); part < defs.NumParts; part++ {
		if body.Need&(1<<part) == 0 {
			continue
		}
		lo, hi := partBounds(part)
		rp := Pullrp{RR: body.RR, Part: part, Payload: append([]byte(nil), page[lo:hi]...)}
		m.sendTo(src, rp.Marshal(m.self, src))
	}
}

func (m *Migrator) handlePullrp(body Pullrp) {
	key := rrKey(body.RR)
	m.mu.Lock()
	p, ok := m.pullOut[key]
	m.mu.Unlock()
	if !ok {
		return // duplicate or unsolicited fragment
	}
	m.mu.Lock()
	if p.arrived&(1<<body.Part) == 0 {
		p.parts[body.Part] = append([]byte(nil), body.Payload...)
		p.arrived |= 1 << body.Part
	}
	complete := p.arrived == defs.ArrivedAll
	if complete {
		delete(m.pullOut, key)
	}
	m.mu.Unlock()
	if complete {
		close(p.done)
	}
}

func (m *Migrator) sendPullrq(p *pendingPull) {
	need := uint8(defs.ArrivedAll) &^ p.arrived
	rq := Pullrq{RR: p.rr, Level: p.level, Need: need}
	m.sendTo(p.dst, rq.Marshal(m.self, p.dst))
}

// PullPage fetches the page named by rr from its owning node into d at
// va, blocking until all three fragments arrive. This is the synchronous
// core of the lazy pull the spec describes page-fault sites invoking when
// they observe a REMOTE PTE; the node wiring is responsible for calling
// this from its fault-handling path.
func (m *Migrator) PullPage(rr defs.RR, d *vm.PageDir, va uint64) defs.Err_t {
	key := rrKey(rr)
	pend := &pendingPull{dst: rr.Node, rr: rr, level: defs.PullPage, done: make(chan struct{})}

	m.mu.Lock()
	m.pullOut[key] = pend
	m.mu.Unlock()

	m.sendPullrq(pend)
	<-pend.done

	var page mem.Pg_t
	for part := uint8(0); part < defs.NumParts; part++ {
		lo, hi := partBounds(part)
		copy(page[lo:hi], pend.parts[part])
	}

	frame, ok := m.vmgr.Mem.Alloc()
	if !ok {
		return defs.ENOMEM
	}
	*m.vmgr.Mem.Page(frame) = page
	return m.vmgr.Insert(d, frame, va, rr.Read, rr.Write)
}
