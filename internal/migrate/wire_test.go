package migrate

import (
	"bytes"
	"testing"

	"github.com/khannotations/pios/internal/defs"
)

func TestMigrqRoundTrip(t *testing.T) {
	m := Migrq{
		Home:   defs.RR{Node: 1, Addr: 42, Read: true, Write: true},
		PdirRR: defs.RR{Node: 1, Addr: 7, Read: true},
		State:  []byte{1, 2, 3, 4, 5},
		Pages: []PageDesc{
			{VA: 0, Frame: 9, Read: true, Write: true},
			{VA: defs.PAGESIZE, Frame: 10, Read: true},
		},
	}
	buf := m.Marshal(1, 2)

	d, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.Header.Type != defs.PktMIGRQ || d.Header.Src != 1 || d.Header.Dst != 2 {
		t.Fatalf("unexpected header: %+v", d.Header)
	}
	if d.Migrq == nil {
		t.Fatalf("expected a decoded MIGRQ body")
	}
	if d.Migrq.Home != m.Home || d.Migrq.PdirRR != m.PdirRR {
		t.Fatalf("RR fields did not round-trip: got %+v", d.Migrq)
	}
	if !bytes.Equal(d.Migrq.State, m.State) {
		t.Fatalf("state bytes did not round-trip: got %v want %v", d.Migrq.State, m.State)
	}
	if len(d.Migrq.Pages) != len(m.Pages) {
		t.Fatalf("page list did not round-trip: got %+v want %+v", d.Migrq.Pages, m.Pages)
	}
	for i := range m.Pages {
		if d.Migrq.Pages[i] != m.Pages[i] {
			t.Fatalf("page %d did not round-trip: got %+v want %+v", i, d.Migrq.Pages[i], m.Pages[i])
		}
	}
}

func TestMigrpRoundTrip(t *testing.T) {
	m := Migrp{Home: defs.RR{Node: 3, Addr: 99}}
	buf := m.Marshal(3, 1)
	d, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.Migrp == nil || d.Migrp.Home != m.Home {
		t.Fatalf("unexpected MIGRP: %+v", d.Migrp)
	}
}

func TestPullrqrpRoundTrip(t *testing.T) {
	rr := defs.RR{Node: 2, Addr: 100, Read: true}
	rq := Pullrq{RR: rr, Level: defs.PullPage, Need: defs.ArrivedAll}
	buf := rq.Marshal(2, 4)
	d, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.Pullrq == nil || d.Pullrq.RR != rr || d.Pullrq.Level != defs.PullPage || d.Pullrq.Need != defs.ArrivedAll {
		t.Fatalf("unexpected PULLRQ: %+v", d.Pullrq)
	}

	payload := bytes.Repeat([]byte{0xAB}, defs.PartSize0)
	rp := Pullrp{RR: rr, Part: 0, Payload: payload}
	buf2 := rp.Marshal(4, 2)
	d2, err := Parse(buf2)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d2.Pullrp == nil || d2.Pullrp.RR != rr || d2.Pullrp.Part != 0 {
		t.Fatalf("unexpected PULLRP: %+v", d2.Pullrp)
	}
	if !bytes.Equal(d2.Pullrp.Payload, payload) {
		t.Fatalf("payload did not round-trip")
	}
}

func TestPartBoundsCoverWholePage(t *testing.T) {
	lo0, hi0 := partBounds(0)
	lo1, hi1 := partBounds(1)
	lo2, hi2 := partBounds(2)
	if lo0 != 0 || hi0 != lo1 || hi1 != lo2 || hi2 != defs.PAGESIZE {
		t.Fatalf("parts do not tile [0,PAGESIZE): %d-%d %d-%d %d-%d", lo0, hi0, lo1, hi1, lo2, hi2)
	}
}
