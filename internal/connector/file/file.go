// Package file implements the reference poll-driven file source and a
// file-drop destination (spec §4.5 reference connectors), grounded on
// the engine's general poll-then-dispatch connector shape rather than
// any networked transport.
package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hcengine/integration-engine/internal/connector"
	"github.com/hcengine/integration-engine/internal/logging"
)

// SourceConfig configures the file source connector.
type SourceConfig struct {
	Directory    string
	Pattern      string // filepath.Match pattern against the base name, "" = all files
	PollInterval time.Duration
	MoveToOnRead string // if set, files are renamed here after being read; "" deletes them instead
}

// Source polls Directory for files matching Pattern and delivers each
// file's contents as one raw message.
type Source struct {
	cfg SourceConfig
	log *logging.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

var _ connector.Source = (*Source)(nil)

// NewSource builds a file source connector.
func NewSource(cfg SourceConfig) *Source {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Source{cfg: cfg, log: logging.NewDefault("connector-file-source")}
}

func (s *Source) Name() string     { return "File Reader" }
func (s *Source) PollDriven() bool { return true }

// Start begins polling until ctx is cancelled or Stop is called.
func (s *Source) Start(ctx context.Context, receive connector.ReceiveFunc) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()
		s.pollOnce(runCtx, receive)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.pollOnce(runCtx, receive)
			}
		}
	}()
	return nil
}

func (s *Source) pollOnce(ctx context.Context, receive connector.ReceiveFunc) {
	entries, err := os.ReadDir(s.cfg.Directory)
	if err != nil {
		s.log.WithError(err).Warn("file source: cannot list directory")
		return
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if s.cfg.Pattern != "" {
			ok, err := filepath.Match(s.cfg.Pattern, e.Name())
			if err != nil || !ok {
				continue
			}
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		select {
		case <-ctx.Done():
			return
		default:
		}
		full := filepath.Join(s.cfg.Directory, name)
		raw, err := os.ReadFile(full)
		if err != nil {
			s.log.WithError(err).Warn("file source: read failed, skipping")
			continue
		}
		sourceMap := map[string]interface{}{
			"originalFilename": name,
			"fileDirectory":    s.cfg.Directory,
			"fileSize":         len(raw),
		}
		if err := receive(ctx, raw, sourceMap); err != nil {
			s.log.WithError(err).Error("file source: receive rejected message, leaving file in place")
			continue
		}
		s.archive(full, name)
	}
}

func (s *Source) archive(full, name string) {
	if s.cfg.MoveToOnRead == "" {
		if err := os.Remove(full); err != nil {
			s.log.WithError(err).Warn("file source: cleanup remove failed")
		}
		return
	}
	if err := os.MkdirAll(s.cfg.MoveToOnRead, 0o755); err != nil {
		s.log.WithError(err).Warn("file source: cannot create move-to directory")
		return
	}
	dest := filepath.Join(s.cfg.MoveToOnRead, name)
	if err := os.Rename(full, dest); err != nil {
		s.log.WithError(err).Warn("file source: move-to rename failed")
	}
}

// Stop cancels polling and waits for the in-flight pass to finish.
func (s *Source) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		select {
		case <-s.done:
		case <-ctx.Done():
		}
	}
	return nil
}

// DestinationConfig configures the file-drop destination.
type DestinationConfig struct {
	Directory   string
	FileNameTpl string // fmt template with one %d verb (unix nanos), "" defaults to "message-%d.dat"
}

// Destination writes each dispatched payload to a new file.
type Destination struct {
	cfg DestinationConfig
	log *logging.Logger
}

var _ connector.Destination = (*Destination)(nil)

// NewDestination builds a file-drop destination connector.
func NewDestination(cfg DestinationConfig) *Destination {
	if cfg.FileNameTpl == "" {
		cfg.FileNameTpl = "message-%d.dat"
	}
	return &Destination{cfg: cfg, log: logging.NewDefault("connector-file-destination")}
}

func (d *Destination) Name() string { return "File Writer" }

func (d *Destination) Start(ctx context.Context) error {
	return os.MkdirAll(d.cfg.Directory, 0o755)
}

func (d *Destination) Stop(ctx context.Context) error { return nil }

// Dispatch writes payload to a freshly named file in Directory.
func (d *Destination) Dispatch(ctx context.Context, payload []byte) connector.Response {
	name := fmt.Sprintf(d.cfg.FileNameTpl, time.Now().UnixNano())
	full := filepath.Join(d.cfg.Directory, name)
	if err := os.WriteFile(full, payload, 0o644); err != nil {
		return connector.Response{Status: "ERROR", Err: err, StatusMessage: err.Error()}
	}
	return connector.Response{Status: "SENT", Message: full}
}
