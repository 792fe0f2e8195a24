// Package config builds the process configuration: the role and interface
// from the command line, the host identity detected from that interface,
// and the environment overrides.
//
// Usage:
//
//	wakeonlan                    participant on the default-route interface
//	wakeonlan <iface>            participant on <iface>
//	wakeonlan manager [<iface>]  manager on <iface> (default-route if omitted)
//
// Environment:
//
//	WAKEONLAN_PORT        service port (default 4000)
//	WAKEONLAN_WAKE_PORT   magic packet port (default 9)
//	WAKEONLAN_HTTP_ADDR   admin API listen address (default: disabled)
//	WAKEONLAN_LOG_FILE    log file, "-" for stderr (default logs/wakeonlan.log)
//	WAKEONLAN_LOG_LEVEL   debug, info, warn or error (default info)
//	WAKEONLAN_HEADLESS    any non-empty value disables the console
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/dreamware/wakeonlan/internal/cluster"
	"github.com/dreamware/wakeonlan/internal/transport"
)

// ErrUsage is returned for a command line that matches no supported form.
var ErrUsage = errors.New("usage: wakeonlan [manager] [<interface>]")

// DefaultLogFile is where logs go unless WAKEONLAN_LOG_FILE says otherwise.
const DefaultLogFile = "logs/wakeonlan.log"

// Config is everything main needs to assemble the process.
type Config struct {
	Node     cluster.NodeInfo
	HTTPAddr string
	LogFile  string
	LogLevel string
	Port     int
	WakePort int
	Headless bool
}

// Load parses args (without the program name), reads the environment and
// detects the host identity.
func Load(args []string) (Config, error) {
	role, iface, err := ParseArgs(args)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		HTTPAddr: getenv("WAKEONLAN_HTTP_ADDR", ""),
		LogFile:  getenv("WAKEONLAN_LOG_FILE", DefaultLogFile),
		LogLevel: getenv("WAKEONLAN_LOG_LEVEL", "info"),
		Headless: getenv("WAKEONLAN_HEADLESS", "") != "",
	}
	if cfg.Port, err = getenvPort("WAKEONLAN_PORT", transport.DefaultPort); err != nil {
		return Config{}, err
	}
	if cfg.WakePort, err = getenvPort("WAKEONLAN_WAKE_PORT", transport.DefaultWakePort); err != nil {
		return Config{}, err
	}

	if iface == "" {
		if iface, err = DefaultInterface(); err != nil {
			return Config{}, err
		}
	}
	if cfg.Node, err = Identify(iface); err != nil {
		return Config{}, err
	}
	cfg.Node.Role = role
	return cfg, nil
}

// ParseArgs maps the command line to a role and an interface name. An empty
// interface means "use the default-route interface".
func ParseArgs(args []string) (cluster.Role, string, error) {
	switch {
	case len(args) == 0:
		return cluster.RoleParticipant, "", nil
	case len(args) == 1 && args[0] == "manager":
		return cluster.RoleManager, "", nil
	case len(args) == 1 && !strings.HasPrefix(args[0], "-"):
		return cluster.RoleParticipant, args[0], nil
	case len(args) == 2 && args[0] == "manager":
		return cluster.RoleManager, args[1], nil
	}
	return cluster.RoleParticipant, "", ErrUsage
}

// Identify reads the hostname, MAC and IPv4 address of the named interface.
func Identify(name string) (cluster.NodeInfo, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return cluster.NodeInfo{}, fmt.Errorf("interface %s: %w", name, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return cluster.NodeInfo{}, fmt.Errorf("interface %s addresses: %w", name, err)
	}
	hostname, err := os.Hostname()
	if err != nil {
		return cluster.NodeInfo{}, fmt.Errorf("hostname: %w", err)
	}
	return identity(hostname, iface.Name, iface.HardwareAddr, addrs)
}

// identity assembles a NodeInfo from raw interface data. The MAC is
// upper-case and colon separated; the first IPv4 address is used.
func identity(hostname, name string, hw net.HardwareAddr, addrs []net.Addr) (cluster.NodeInfo, error) {
	if len(hw) != 6 {
		return cluster.NodeInfo{}, fmt.Errorf("interface %s has no Ethernet address", name)
	}
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip4 := ip.To4(); ip4 != nil {
			return cluster.NodeInfo{
				Hostname:  hostname,
				IP:        ip4.String(),
				MAC:       strings.ToUpper(hw.String()),
				Interface: name,
			}, nil
		}
	}
	return cluster.NodeInfo{}, fmt.Errorf("interface %s has no IPv4 address", name)
}

// DefaultInterface returns the interface carrying the default route.
func DefaultInterface() (string, error) {
	f, err := os.Open("/proc/net/route")
	if err != nil {
		return "", fmt.Errorf("default interface: %w", err)
	}
	defer f.Close()
	return defaultRoute(f)
}

// defaultRoute scans a /proc/net/route table for the 0.0.0.0/0 entry.
func defaultRoute(r io.Reader) (string, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 8 || fields[0] == "Iface" {
			continue
		}
		if fields[1] == "00000000" && fields[7] == "00000000" {
			return fields[0], nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", errors.New("default interface: no default route")
}

// getenv retrieves an environment variable with a fallback default value.
//
// Example:
//
//	addr := getenv("WAKEONLAN_HTTP_ADDR", "")
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvPort(k string, def int) (int, error) {
	v := getenv(k, "")
	if v == "" {
		return def, nil
	}
	port, err := strconv.Atoi(v)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("%s: invalid port %q", k, v)
	}
	return port, nil
}
