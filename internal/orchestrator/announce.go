package orchestrator

import (
	"context"
	"os"
	"strings"

	"github.com/brutella/dnssd"
	"github.com/charmbracelet/log"
)

// serviceType is the DNS-SD service the dashboard bridge browses for
// to find the local stream endpoint without static configuration.
const serviceType = "_nightwatch._tcp."

// announce advertises the stream endpoint's port on the LAN until ctx
// is cancelled. Advertisement failure is logged and ignored: the
// endpoint still works for statically configured consumers.
func announce(ctx context.Context, port int, logger *log.Logger) {
	name := "Nightwatch"
	if hostname, err := os.Hostname(); err == nil {
		hostname, _, _ = strings.Cut(hostname, ".")
		name = "Nightwatch on " + hostname
	}

	svc, err := dnssd.NewService(dnssd.Config{
		Name: name,
		Type: serviceType,
		Port: port,
	})
	if err != nil {
		logger.Warn("mDNS service setup failed", "err", err)
		return
	}
	rp, err := dnssd.NewResponder()
	if err != nil {
		logger.Warn("mDNS responder setup failed", "err", err)
		return
	}
	if _, err := rp.Add(svc); err != nil {
		logger.Warn("mDNS announce failed", "err", err)
		return
	}
	if err := rp.Respond(ctx); err != nil && ctx.Err() == nil {
		logger.Warn("mDNS responder stopped", "err", err)
	}
}
