// Package zeroconf advertises the admin API over mDNS/DNS-SD so control
// panels on the LAN can find the daemon.
package zeroconf

import (
	"context"
	"fmt"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

// ServiceType is the DNS-SD type the admin API registers as.
const ServiceType = "_streamrestore._tcp"

// Service manages mDNS service registration.
type Service struct {
	name   string
	port   int
	txt    []string
	logger *zap.SugaredLogger
}

// New creates a Service advertising name on port.
func New(name string, port int, logger *zap.SugaredLogger) *Service {
	return &Service{name: name, port: port, logger: logger.Named("zeroconf")}
}

// TXT builds the TXT records for the given version and D-Bus name. An empty
// bus name is left out.
func TXT(version, busName string) []string {
	txt := []string{"version=" + version, "api=/api"}
	if busName != "" {
		txt = append(txt, "dbus="+busName)
	}
	return txt
}

// SetTXT replaces the TXT records used by the next Start.
func (s *Service) SetTXT(records []string) {
	s.txt = append([]string(nil), records...)
}

// Start registers the service and blocks until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	if s.port <= 0 {
		return fmt.Errorf("zeroconf: invalid port %d", s.port)
	}
	server, err := zeroconf.Register(s.name, ServiceType, "local.", s.port, s.txt, nil)
	if err != nil {
		return fmt.Errorf("zeroconf register: %w", err)
	}
	s.logger.Infow("registered mDNS service", "name", s.name, "type", ServiceType, "port", s.port, "txt", s.txt)

	<-ctx.Done()

	server.Shutdown()
	s.logger.Infow("mDNS service unregistered")
	return nil
}
