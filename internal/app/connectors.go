package app

import (
	"strconv"
	"time"

	"github.com/hcengine/integration-engine/internal/connector"
	"github.com/hcengine/integration-engine/internal/connector/file"
	"github.com/hcengine/integration-engine/internal/connector/httpdest"
	"github.com/hcengine/integration-engine/internal/engineerr"
	"github.com/hcengine/integration-engine/internal/model"
)

// Transport type names recognized by buildSource/buildDestination
// (SPEC_FULL.md §4.5 reference connectors).
const (
	TransportFileReader = "FILE_READER"
	TransportFileWriter = "FILE_WRITER"
	TransportHTTPSender = "HTTP_SENDER"
)

// buildSource constructs the connector.Source named by cfg.TransportType.
func buildSource(cfg model.ConnectorConfig) (connector.Source, error) {
	switch cfg.TransportType {
	case TransportFileReader:
		return file.NewSource(file.SourceConfig{
			Directory:    cfg.Properties["directory"],
			Pattern:      cfg.Properties["pattern"],
			PollInterval: durationProp(cfg.Properties, "pollIntervalMillis", 5*time.Second),
			MoveToOnRead: cfg.Properties["moveToOnRead"],
		}), nil
	default:
		return nil, engineerr.Configuration("unknown source transport type: " + cfg.TransportType)
	}
}

// buildDestination constructs the connector.Destination named by
// cfg.TransportType.
func buildDestination(cfg model.ConnectorConfig) (connector.Destination, error) {
	switch cfg.TransportType {
	case TransportFileWriter:
		tpl := cfg.Properties["fileNameTemplate"]
		if tpl == "" {
			tpl = "message-%d.out"
		}
		return file.NewDestination(file.DestinationConfig{
			Directory:   cfg.Properties["directory"],
			FileNameTpl: tpl,
		}), nil
	case TransportHTTPSender:
		return httpdest.New(httpdest.Config{
			URL:             cfg.Properties["url"],
			Method:          cfg.Properties["method"],
			Timeout:         durationProp(cfg.Properties, "timeoutMillis", 30*time.Second),
			RateLimitPerSec: cfg.RateLimitPerSec,
		}), nil
	default:
		return nil, engineerr.Configuration("unknown destination transport type: " + cfg.TransportType)
	}
}

func durationProp(props map[string]string, key string, fallback time.Duration) time.Duration {
	raw, ok := props[key]
	if !ok || raw == "" {
		return fallback
	}
	ms, err := strconv.Atoi(raw)
	if err != nil || ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
