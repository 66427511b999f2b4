// ABOUTME: Wire protocol for the agent WebSocket channel.
// ABOUTME: Defines the closed set of command and result frames exchanged as JSON.

package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// CommandType identifies an outbound command frame.
type CommandType string

// Recognized command types. The set is closed: anything else is a protocol error.
const (
	CmdGetDrives CommandType = "get_drives"
	CmdListDir   CommandType = "list_dir"
	CmdGetFile   CommandType = "get_file"
	CmdPing      CommandType = "ping"
)

// ResultType identifies an inbound result frame.
type ResultType string

// Recognized result types.
const (
	ResDrives ResultType = "get_drives_result"
	ResDir    ResultType = "list_dir_result"
	ResFile   ResultType = "get_file_result"
	ResPong   ResultType = "pong"
)

// ExpectedResult maps a command to the result type that answers it.
// Returns false for commands that have no correlated answer (ping).
func ExpectedResult(cmd CommandType) (ResultType, bool) {
	switch cmd {
	case CmdGetDrives:
		return ResDrives, true
	case CmdListDir:
		return ResDir, true
	case CmdGetFile:
		return ResFile, true
	case CmdPing:
		return ResPong, false
	default:
		return "", false
	}
}

// Command is an outbound frame sent to an agent.
type Command struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Result is an inbound frame received from an agent.
// Exactly one of Payload or Error is meaningful; an agent that failed a
// command reports the failure in Error and the payload is ignored.
type Result struct {
	Type    ResultType      `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// PathPayload is the payload for list_dir and get_file commands.
type PathPayload struct {
	Path string `json:"path"`
}

// Entry is a single directory entry as reported by an agent.
type Entry struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	IsDir     bool      `json:"isDirectory"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

// DriveList is the payload of a get_drives_result frame.
type DriveList struct {
	Drives []string `json:"drives"`
}

// DirListing is the payload of a list_dir_result frame.
type DirListing struct {
	Path  string  `json:"path"`
	Items []Entry `json:"items"`
}

// FileContent is the payload of a get_file_result frame.
// Data is base64-encoded by encoding/json ([]byte handling).
type FileContent struct {
	Name string `json:"fileName"`
	Data []byte `json:"fileData_base64"`
}

// NewCommand builds a command frame with an encoded payload.
// A nil payload produces a bare {type} frame (get_drives, ping).
func NewCommand(typ CommandType, payload any) (Command, error) {
	cmd := Command{Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Command{}, fmt.Errorf("encoding %s payload: %w", typ, err)
		}
		cmd.Payload = raw
	}
	return cmd, nil
}

// DecodeResult parses an inbound frame and validates its type against the
// closed result set. Unknown types are an error so the caller can log and
// drop the frame without touching correlation state.
func DecodeResult(data []byte) (Result, error) {
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return Result{}, fmt.Errorf("decoding result frame: %w", err)
	}
	switch res.Type {
	case ResDrives, ResDir, ResFile, ResPong:
		return res, nil
	default:
		return Result{}, fmt.Errorf("unknown result type %q", res.Type)
	}
}

// CommandMatchKey computes the payload identity a result must carry to answer
// a command issued for the given path. Listings echo the full path; file
// transfers echo only the base name, on whichever separator the agent uses.
func CommandMatchKey(typ CommandType, path string) string {
	switch typ {
	case CmdListDir:
		return path
	case CmdGetFile:
		return baseName(path)
	default:
		return ""
	}
}

// baseName returns the final element of a path that may use either / or \
// separators. Agents on Windows report backslash paths.
func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' || path[i] == '\\' {
			return path[i+1:]
		}
	}
	return path
}

// MatchKey extracts the payload identity used to correlate a result with the
// command that requested it: the listed path for directory listings, the file
// name for file transfers. Drive lists and pongs have no identity (one
// outstanding equivalent request at a time is assumed for those).
func (r Result) MatchKey() string {
	switch r.Type {
	case ResDir:
		var dl DirListing
		if err := json.Unmarshal(r.Payload, &dl); err == nil {
			return dl.Path
		}
	case ResFile:
		var fc FileContent
		if err := json.Unmarshal(r.Payload, &fc); err == nil {
			return fc.Name
		}
	}
	return ""
}
