// ABOUTME: Tests for frame encoding, the closed result-type set and the
// ABOUTME: payload identity keys used for correlation.

package protocol

import (
	"encoding/json"
	"testing"
)

func TestExpectedResult(t *testing.T) {
	cases := []struct {
		cmd    CommandType
		result ResultType
		ok     bool
	}{
		{CmdGetDrives, ResDrives, true},
		{CmdListDir, ResDir, true},
		{CmdGetFile, ResFile, true},
		{CmdPing, ResPong, false},
		{CommandType("restart"), "", false},
	}
	for _, tc := range cases {
		result, ok := ExpectedResult(tc.cmd)
		if ok != tc.ok || result != tc.result {
			t.Errorf("ExpectedResult(%s) = %s, %v; want %s, %v", tc.cmd, result, ok, tc.result, tc.ok)
		}
	}
}

func TestNewCommandWithPayload(t *testing.T) {
	cmd, err := NewCommand(CmdListDir, PathPayload{Path: "C:\\Users"})
	if err != nil {
		t.Fatal(err)
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"list_dir","payload":{"path":"C:\\Users"}}`
	if string(data) != want {
		t.Errorf("frame = %s, want %s", data, want)
	}
}

func TestNewCommandWithoutPayload(t *testing.T) {
	cmd, err := NewCommand(CmdGetDrives, nil)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(cmd)
	if string(data) != `{"type":"get_drives"}` {
		t.Errorf("bare frame = %s", data)
	}
}

func TestDecodeResultRejectsUnknownType(t *testing.T) {
	_, err := DecodeResult([]byte(`{"type":"reboot_result"}`))
	if err == nil {
		t.Error("unknown result types must be rejected")
	}

	_, err = DecodeResult([]byte(`not json`))
	if err == nil {
		t.Error("malformed frames must be rejected")
	}

	res, err := DecodeResult([]byte(`{"type":"pong"}`))
	if err != nil || res.Type != ResPong {
		t.Errorf("valid frame rejected: %v", err)
	}
}

func TestCommandMatchKey(t *testing.T) {
	cases := []struct {
		typ  CommandType
		path string
		want string
	}{
		{CmdListDir, "C:\\Users\\me", "C:\\Users\\me"},
		{CmdGetFile, "C:\\Users\\me\\notes.txt", "notes.txt"},
		{CmdGetFile, "/home/me/notes.txt", "notes.txt"},
		{CmdGetFile, "bare.txt", "bare.txt"},
		{CmdGetDrives, "", ""},
	}
	for _, tc := range cases {
		if got := CommandMatchKey(tc.typ, tc.path); got != tc.want {
			t.Errorf("CommandMatchKey(%s, %q) = %q, want %q", tc.typ, tc.path, got, tc.want)
		}
	}
}

func TestResultMatchKey(t *testing.T) {
	dir, _ := json.Marshal(DirListing{Path: "/var/log"})
	if got := (Result{Type: ResDir, Payload: dir}).MatchKey(); got != "/var/log" {
		t.Errorf("dir match key = %q", got)
	}

	file, _ := json.Marshal(FileContent{Name: "syslog", Data: []byte("x")})
	if got := (Result{Type: ResFile, Payload: file}).MatchKey(); got != "syslog" {
		t.Errorf("file match key = %q", got)
	}

	if got := (Result{Type: ResDrives}).MatchKey(); got != "" {
		t.Errorf("drive lists carry no identity, got %q", got)
	}
}

func TestFileContentDataRoundTrip(t *testing.T) {
	raw := []byte(`{"fileName":"a.bin","fileData_base64":"aGVsbG8="}`)
	var fc FileContent
	if err := json.Unmarshal(raw, &fc); err != nil {
		t.Fatal(err)
	}
	if string(fc.Data) != "hello" {
		t.Errorf("decoded data = %q, want hello", fc.Data)
	}
}
