package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"

	"tarun-kavipurapu/p2p-codeshare/pkg/logger"
)

const (
	// ServiceType is the mDNS service type brokers advertise under.
	ServiceType = "_codeshare._tcp"
	// Domain is the local domain for mDNS
	Domain = "local."

	// MetaType is the TXT key carrying the advertiser's role.
	MetaType   = "type"
	RoleBroker = "broker"
)

// ServiceInfo contains information about a discovered service
type ServiceInfo struct {
	InstanceName string
	HostName     string
	Port         int
	IPs          []string
	Meta         map[string]string
}

// Addr returns host:port for the first discovered IPv4 address.
func (s *ServiceInfo) Addr() string {
	if len(s.IPs) == 0 {
		return ""
	}
	return net.JoinHostPort(s.IPs[0], strconv.Itoa(s.Port))
}

// Advertiser handles service broadcasting
type Advertiser struct {
	server *zeroconf.Server
}

// Resolver handles service discovery
type Resolver struct {
	resolver *zeroconf.Resolver
}

func NewAdvertiser() *Advertiser {
	return &Advertiser{}
}

// Start begins broadcasting the service. An empty instanceName falls back
// to codeshare-<hostname>.
func (a *Advertiser) Start(instanceName string, port int, meta map[string]string) error {
	if instanceName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			instanceName = "codeshare"
		} else {
			instanceName = fmt.Sprintf("codeshare-%s", hostname)
		}
	}

	var txtRecords []string
	for k, v := range meta {
		txtRecords = append(txtRecords, fmt.Sprintf("%s=%s", k, v))
	}

	// nil interfaces binds every multicast-capable interface
	server, err := zeroconf.Register(instanceName, ServiceType, Domain, port, txtRecords, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}

	a.server = server
	return nil
}

// Stop stops broadcasting the service
func (a *Advertiser) Stop() {
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

func NewResolver() (*Resolver, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}
	return &Resolver{resolver: resolver}, nil
}

// Browse scans for services until the context is canceled.
// Entries without an IPv4 address are dropped.
func (r *Resolver) Browse(ctx context.Context) (<-chan *ServiceInfo, error) {
	entries := make(chan *zeroconf.ServiceEntry)
	results := make(chan *ServiceInfo, 10)

	if err := r.resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("failed to browse services: %w", err)
	}

	go func() {
		defer close(results)

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				info := toServiceInfo(entry)
				if len(info.IPs) == 0 {
					continue
				}
				logger.Sugar.Infof("[Discovery] discovered service: instance=%s role=%s ips=%v port=%d", info.InstanceName, info.Meta[MetaType], info.IPs, info.Port)
				select {
				case results <- info:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return results, nil
}

func toServiceInfo(entry *zeroconf.ServiceEntry) *ServiceInfo {
	info := &ServiceInfo{
		InstanceName: entry.Instance,
		HostName:     entry.HostName,
		Port:         entry.Port,
		IPs:          make([]string, 0, len(entry.AddrIPv4)),
		Meta:         parseTXT(entry.Text),
	}
	for _, ip := range entry.AddrIPv4 {
		info.IPs = append(info.IPs, ip.String())
	}
	return info
}

func parseTXT(records []string) map[string]string {
	meta := make(map[string]string, len(records))
	for _, record := range records {
		parts := strings.SplitN(record, "=", 2)
		if len(parts) == 2 {
			meta[parts[0]] = parts[1]
		}
	}
	return meta
}

// FindBroker browses until ctx is done and returns the http:// base URL of
// the first service advertising RoleBroker.
func FindBroker(ctx context.Context) (string, error) {
	r, err := NewResolver()
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := r.Browse(ctx)
	if err != nil {
		return "", err
	}
	for info := range ch {
		if info.Meta[MetaType] == RoleBroker {
			return "http://" + info.Addr(), nil
		}
	}
	return "", fmt.Errorf("no broker found on the local network: %w", ctx.Err())
}
