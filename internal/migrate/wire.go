// Package migrate implements cross-node process migration and on-demand
// page pull: MIGRQ/MIGRP move a process's saved state to a new node,
// PULLRQ/PULLRP fetch pages of its address space afterward, lazily, as
// they are touched. Wire encoding follows a teaching kernel's Ethernet-tag
// packet layout, generalized from raw frames to UDP per SPEC_FULL's
// transport supplement: a one-byte type tag, then a body encoded with
// encoding/binary, fixed-width and big-endian throughout.
package migrate

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/khannotations/pios/internal/defs"
)

// header precedes every packet body: type tag, then source/destination
// node id (the explicit addressing fields standing in for the original
// MAC-based framing).
type header struct {
	Type defs.PacketType
	Src  defs.NodeID
	Dst  defs.NodeID
}

func (h header) marshal(buf *bytes.Buffer) {
	buf.WriteByte(byte(h.Type))
	buf.WriteByte(byte(h.Src))
	buf.WriteByte(byte(h.Dst))
}

func parseHeader(buf []byte) (header, []byte, error) {
	if len(buf) < 3 {
		return header{}, nil, fmt.Errorf("migrate: packet too short for header")
	}
	return header{
		Type: defs.PacketType(buf[0]),
		Src:  defs.NodeID(buf[1]),
		Dst:  defs.NodeID(buf[2]),
	}, buf[3:], nil
}

func marshalRR(buf *bytes.Buffer, rr defs.RR) {
	buf.WriteByte(byte(rr.Node))
	var addr [4]byte
	binary.BigEndian.PutUint32(addr[:], rr.Addr)
	buf.Write(addr[:])
	var flags byte
	if rr.Read {
		flags |= 1
	}
	if rr.Write {
		flags |= 2
	}
	buf.WriteByte(flags)
}

const rrWireSize = 1 + 4 + 1

func parseRR(buf []byte) (defs.RR, []byte, error) {
	if len(buf) < rrWireSize {
		return defs.RR{}, nil, fmt.Errorf("migrate: packet too short for RR")
	}
	rr := defs.RR{
		Node:  defs.NodeID(buf[0]),
		Addr:  binary.BigEndian.Uint32(buf[1:5]),
		Read:  buf[5]&1 != 0,
		Write: buf[5]&2 != 0,
	}
	return rr, buf[rrWireSize:], nil
}

// PageDesc names one page of the migrating process's address space that is
// backed by a local frame on the sending node, so the destination can
// install a REMOTE mapping to it without first walking a shared directory
// structure over the wire.
type PageDesc struct {
	VA    uint64
	Frame uint32
	Read  bool
	Write bool
}

const pageDescWireSize = 8 + 4 + 1

func marshalPages(buf *bytes.Buffer, pages []PageDesc) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(pages)))
	buf.Write(n[:])
	for _, p := range pages {
		var va [8]byte
		binary.BigEndian.PutUint64(va[:], p.VA)
		buf.Write(va[:])
		var frame [4]byte
		binary.BigEndian.PutUint32(frame[:], p.Frame)
		buf.Write(frame[:])
		var flags byte
		if p.Read {
			flags |= 1
		}
		if p.Write {
			flags |= 2
		}
		buf.WriteByte(flags)
	}
}

func parsePages(buf []byte) ([]PageDesc, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, fmt.Errorf("migrate: truncated page list length")
	}
	n := binary.BigEndian.Uint32(buf[:4])
	rest := buf[4:]
	pages := make([]PageDesc, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(rest) < pageDescWireSize {
			return nil, nil, fmt.Errorf("migrate: truncated page descriptor")
		}
		pages = append(pages, PageDesc{
			VA:    binary.BigEndian.Uint64(rest[0:8]),
			Frame: binary.BigEndian.Uint32(rest[8:12]),
			Read:  rest[12]&1 != 0,
			Write: rest[12]&2 != 0,
		})
		rest = rest[pageDescWireSize:]
	}
	return pages, rest, nil
}

// Migrq is the MIGRQ packet body: the migrating process's home-RR, the RR
// of its page directory, its saved register/process state, and a
// descriptor for every page of its address space currently backed by a
// local frame (so the destination can install REMOTE mappings to each
// without walking a shared directory structure over the wire).
type Migrq struct {
	Home   defs.RR
	PdirRR defs.RR
	State  []byte
	Pages  []PageDesc
}

func (m Migrq) Marshal(src, dst defs.NodeID) []byte {
	var buf bytes.Buffer
	header{Type: defs.PktMIGRQ, Src: src, Dst: dst}.marshal(&buf)
	marshalRR(&buf, m.Home)
	marshalRR(&buf, m.PdirRR)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(m.State)))
	buf.Write(n[:])
	buf.Write(m.State)
	marshalPages(&buf, m.Pages)
	return buf.Bytes()
}

func parseMigrq(buf []byte) (Migrq, error) {
	home, rest, err := parseRR(buf)
	if err != nil {
		return Migrq{}, err
	}
	pdir, rest, err := parseRR(rest)
	if err != nil {
		return Migrq{}, err
	}
	if len(rest) < 4 {
		return Migrq{}, fmt.Errorf("migrate: truncated MIGRQ state length")
	}
	n := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	if uint32(len(rest)) < n {
		return Migrq{}, fmt.Errorf("migrate: truncated MIGRQ state body")
	}
	state := append([]byte(nil), rest[:n]...)
	rest = rest[n:]
	pages, _, err := parsePages(rest)
	if err != nil {
		return Migrq{}, err
	}
	return Migrq{Home: home, PdirRR: pdir, State: state, Pages: pages}, nil
}

// Migrp is the MIGRP acknowledgement body: just the home-RR being
// acknowledged.
type Migrp struct {
	Home defs.RR
}

func (m Migrp) Marshal(src, dst defs.NodeID) []byte {
	var buf bytes.Buffer
	header{Type: defs.PktMIGRP, Src: src, Dst: dst}.marshal(&buf)
	marshalRR(&buf, m.Home)
	return buf.Bytes()
}

func parseMigrp(buf []byte) (Migrp, error) {
	home, _, err := parseRR(buf)
	if err != nil {
		return Migrp{}, err
	}
	return Migrp{Home: home}, nil
}

// Pullrq requests the parts of one frame (a page, table, or directory,
// per Level) still missing, as a bitmap of wanted part indices.
type Pullrq struct {
	RR    defs.RR
	Level defs.PullLevel
	Need  uint8
}

func (p Pullrq) Marshal(src, dst defs.NodeID) []byte {
	var buf bytes.Buffer
	header{Type: defs.PktPULLRQ, Src: src, Dst: dst}.marshal(&buf)
	marshalRR(&buf, p.RR)
	buf.WriteByte(byte(p.Level))
	buf.WriteByte(p.Need)
	return buf.Bytes()
}

func parsePullrq(buf []byte) (Pullrq, error) {
	rr, rest, err := parseRR(buf)
	if err != nil {
		return Pullrq{}, err
	}
	if len(rest) < 2 {
		return Pullrq{}, fmt.Errorf("migrate: truncated PULLRQ")
	}
	return Pullrq{RR: rr, Level: defs.PullLevel(rest[0]), Need: rest[1]}, nil
}

// Pullrp answers with one fragment of a frame: which part, and its bytes.
// Fragment sizes are the fixed PartSize0/1/2 constants shared by both
// sides of the wire.
type Pullrp struct {
	RR      defs.RR
	Part    uint8
	Payload []byte
}

func (p Pullrp) Marshal(src, dst defs.NodeID) []byte {
	var buf bytes.Buffer
	header{Type: defs.PktPULLRP, Src: src, Dst: dst}.marshal(&buf)
	marshalRR(&buf, p.RR)
	buf.WriteByte(p.Part)
	buf.Write(p.Payload)
	return buf.Bytes()
}

func parsePullrp(buf []byte) (Pullrp, error) {
	rr, rest, err := parseRR(buf)
	if err != nil {
		return Pullrp{}, err
	}
	if len(rest) < 1 {
		return Pullrp{}, fmt.Errorf("migrate: truncated PULLRP")
	}
	part := rest[0]
	payload := append([]byte(nil), rest[1:]...)
	return Pullrp{RR: rr, Part: part, Payload: payload}, nil
}

// partBounds returns the byte range within a PAGESIZE buffer that part
// covers, per the fixed PartSize0/1/2 split.
func partBounds(part uint8) (lo, hi int) {
	switch part {
	case 0:
		return 0, defs.PartSize0
	case 1:
		return defs.PartSize0, defs.PartSize0 + defs.PartSize1
	default:
		return defs.PartSize0 + defs.PartSize1, defs.PAGESIZE
	}
}

// Decoded is the result of parsing any one wire packet.
type Decoded struct {
	Header header
	Migrq  *Migrq
	Migrp  *Migrp
	Pullrq *Pullrq
	Pullrp *Pullrp
}

// Parse dispatches on the wire type tag and decodes the matching body.
func Parse(buf []byte) (Decoded, error) {
	h, rest, err := parseHeader(buf)
	if err != nil {
		return Decoded{}, err
	}
	d := Decoded{Header: h}
	switch h.Type {
	case defs.PktMIGRQ:
		body, err := parseMigrq(rest)
		if err != nil {
			return Decoded{}, err
		}
		d.Migrq = &body
	case defs.PktMIGRP:
		body, err := parseMigrp(rest)
		if err != nil {
			return Decoded{}, err
		}
		d.Migrp = &body
	case defs.PktPULLRQ:
		body, err := parsePullrq(rest)
		if err != nil {
			return Decoded{}, err
		}
		d.Pullrq = &body
	case defs.PktPULLRP:
		body, err := parsePullrp(rest)
		if err != nil {
			return Decoded{}, err
		}
		d.Pullrp = &body
	default:
		return Decoded{}, fmt.Errorf("migrate: unknown packet type %d", h.Type)
	}
	return d, nil
}
