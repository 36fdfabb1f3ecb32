package core

import (
	"time"

	"github.com/cyberinferno/telemetry-core/logger"
)

// Config configures a Driver. Addr is shared by the stream acceptor and the
// datagram socket (spec.md §6: "the stream acceptor and the datagram socket
// bind the same port number").
type Config struct {
	// Addr is the "host:port" both the TCP listener and the UDP socket bind.
	Addr string

	// Log receives all driver, session, and datagram logging. Required.
	Log logger.Logger

	// Handler maps inbound Requests to Responses. Required.
	Handler RequestHandler

	// WarnDedupTTL bounds how often the same connection's repeated
	// "oversized dataframe" / "unknown pairing id" warning is logged.
	// Zero uses a 5 second default.
	WarnDedupTTL time.Duration

	// StatsReportInterval controls how often the stats.Reporter logs an
	// aggregate snapshot. Zero disables periodic reporting.
	StatsReportInterval time.Duration

	// DiscordWebhook, if set, receives a one-line alert if the accept loop
	// terminates (spec.md §7: accept errors are "operator visible").
	DiscordWebhook string
}

func (c Config) warnDedupTTL() time.Duration {
	if c.WarnDedupTTL > 0 {
		return c.WarnDedupTTL
	}

	return 5 * time.Second
}
