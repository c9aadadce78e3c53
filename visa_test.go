package usbtmc

import "testing"

func TestParseResourceHex(t *testing.T) {
	sel, err := ParseResource("USB::0x1313::0x804a::INSTR")
	if err != nil {
		t.Fatal(err)
	}
	if !sel.MatchVIDPID || sel.VID != 0x1313 || sel.PID != 0x804a {
		t.Errorf("bad selector %+v", sel)
	}
	if sel.Serial != "" {
		t.Errorf("unexpected serial %q", sel.Serial)
	}
}

func TestParseResourceWithSerialAndBoard(t *testing.T) {
	sel, err := ParseResource("USB0::0x0957::0x179b::MY52491234::INSTR")
	if err != nil {
		t.Fatal(err)
	}
	if sel.VID != 0x0957 || sel.PID != 0x179b || sel.Serial != "MY52491234" {
		t.Errorf("bad selector %+v", sel)
	}
}

func TestParseResourceDecimal(t *testing.T) {
	sel, err := ParseResource("USB::4883::32842")
	if err != nil {
		t.Fatal(err)
	}
	if sel.VID != 4883 || sel.PID != 32842 {
		t.Errorf("bad selector %+v", sel)
	}
}

func TestParseResourceRejectsJunk(t *testing.T) {
	bad := []string{
		"GPIB::9::INSTR",
		"USB::INSTR",
		"USB::0xZZZZ::0x1::INSTR",
		"USB::0x1::0x2::ser::extra::INSTR",
		"",
	}
	for _, addr := range bad {
		if _, err := ParseResource(addr); err == nil {
			t.Errorf("expected %q to be rejected", addr)
		}
	}
}
