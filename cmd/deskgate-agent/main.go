// ABOUTME: Reference desktop agent that serves drive, directory and file
// ABOUTME: requests from the local filesystem over the control channel.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/hillelkingqt/deskgate/internal/protocol"
)

// maxFileSize caps what the agent will read into memory for a transfer.
// The chat surface cannot deliver anything larger anyway.
const maxFileSize = 45 << 20

// Config is the agent's TOML configuration.
type Config struct {
	ServerURL   string `toml:"server_url"`
	AgentID     string `toml:"agent_id"`
	DisplayName string `toml:"display_name"`

	ReconnectSeconds int `toml:"reconnect_seconds"`
}

func loadConfig(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("server_url is required")
	}
	if cfg.AgentID == "" {
		cfg.AgentID = uuid.New().String()
	}
	if cfg.DisplayName == "" {
		host, err := os.Hostname()
		if err != nil {
			host = cfg.AgentID
		}
		cfg.DisplayName = host
	}
	if cfg.ReconnectSeconds <= 0 {
		cfg.ReconnectSeconds = 10
	}
	return &cfg, nil
}

func main() {
	configPath := "agent.toml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("loading config", "path", configPath, "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("deskgate agent starting", "agent_id", cfg.AgentID, "name", cfg.DisplayName, "server", cfg.ServerURL)

	for {
		if err := runSession(ctx, cfg, logger); err != nil {
			logger.Warn("session ended", "error", err)
		}
		select {
		case <-ctx.Done():
			logger.Info("agent stopping")
			return
		case <-time.After(time.Duration(cfg.ReconnectSeconds) * time.Second):
		}
	}
}

// runSession dials the server and answers commands until the connection dies.
func runSession(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	q := url.Values{"agent_id": {cfg.AgentID}, "name": {cfg.DisplayName}}
	target := cfg.ServerURL + "/connect?" + q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	conn, _, err := websocket.Dial(dialCtx, target, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dialing server: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "session over")
	logger.Info("connected")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("reading command: %w", err)
		}

		var cmd protocol.Command
		if err := json.Unmarshal(data, &cmd); err != nil {
			logger.Warn("dropping malformed command", "error", err)
			continue
		}

		res := handleCommand(cmd, logger)
		out, err := json.Marshal(res)
		if err != nil {
			logger.Error("encoding result", "error", err)
			continue
		}
		writeCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		err = conn.Write(writeCtx, websocket.MessageText, out)
		cancel()
		if err != nil {
			return fmt.Errorf("writing result: %w", err)
		}
	}
}

// handleCommand executes one command against the local filesystem. Failures
// become error results of the matching type, never dropped frames.
func handleCommand(cmd protocol.Command, logger *slog.Logger) protocol.Result {
	switch cmd.Type {
	case protocol.CmdPing:
		return protocol.Result{Type: protocol.ResPong}

	case protocol.CmdGetDrives:
		drives, err := listDrives()
		return resultOrError(protocol.ResDrives, drives, err)

	case protocol.CmdListDir:
		path, err := decodePath(cmd)
		if err != nil {
			return errorResult(protocol.ResDir, err)
		}
		listing, err := listDir(path)
		return resultOrError(protocol.ResDir, listing, err)

	case protocol.CmdGetFile:
		path, err := decodePath(cmd)
		if err != nil {
			return errorResult(protocol.ResFile, err)
		}
		file, err := readFile(path)
		return resultOrError(protocol.ResFile, file, err)

	default:
		logger.Warn("unknown command", "type", cmd.Type)
		return protocol.Result{Type: protocol.ResPong, Error: fmt.Sprintf("unknown command %q", cmd.Type)}
	}
}

func decodePath(cmd protocol.Command) (string, error) {
	var p protocol.PathPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return "", fmt.Errorf("malformed payload: %w", err)
	}
	if p.Path == "" {
		return "", fmt.Errorf("path is required")
	}
	return p.Path, nil
}

func resultOrError(typ protocol.ResultType, payload any, err error) protocol.Result {
	if err != nil {
		return errorResult(typ, err)
	}
	raw, merr := json.Marshal(payload)
	if merr != nil {
		return errorResult(typ, merr)
	}
	return protocol.Result{Type: typ, Payload: raw}
}

func errorResult(typ protocol.ResultType, err error) protocol.Result {
	return protocol.Result{Type: typ, Error: err.Error()}
}

// listDrives reports browsing roots. On Windows that is every mounted drive
// letter; elsewhere the filesystem root.
func listDrives() (protocol.DriveList, error) {
	if runtime.GOOS != "windows" {
		return protocol.DriveList{Drives: []string{"/"}}, nil
	}

	var drives []string
	for letter := 'A'; letter <= 'Z'; letter++ {
		root := string(letter) + ":\\"
		if _, err := os.Stat(root); err == nil {
			drives = append(drives, root)
		}
	}
	return protocol.DriveList{Drives: drives}, nil
}

func listDir(path string) (protocol.DirListing, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return protocol.DirListing{}, fmt.Errorf("listing %s: %w", path, err)
	}

	items := make([]protocol.Entry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		items = append(items, protocol.Entry{
			Name:      e.Name(),
			Path:      filepath.Join(path, e.Name()),
			IsDir:     e.IsDir(),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		})
	}
	return protocol.DirListing{Path: path, Items: items}, nil
}

func readFile(path string) (protocol.FileContent, error) {
	info, err := os.Stat(path)
	if err != nil {
		return protocol.FileContent{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return protocol.FileContent{}, fmt.Errorf("%s is a directory", path)
	}
	if info.Size() > maxFileSize {
		return protocol.FileContent{}, fmt.Errorf("%s is too large to transfer (%d bytes)", path, info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return protocol.FileContent{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return protocol.FileContent{Name: filepath.Base(path), Data: data}, nil
}
