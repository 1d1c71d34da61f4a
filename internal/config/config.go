// Package config parses the CCI INI-style device configuration file
// and resolves interface-name keys to IP addresses for transports that
// bind by interface rather than address.
package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/vishvananda/netlink"
)

// Device is one [section] of the configuration file: a named device
// stanza with a mandatory transport and an ordered priority.
type Device struct {
	Name      string
	Transport string
	Priority  int
	Default   bool
	// Params holds every key not recognized above, verbatim, for the
	// transport to interpret.
	Params map[string]string
}

// EnvVar is the environment variable naming the config file path.
const EnvVar = "CCI_CONFIG"

// ErrNotFound is returned when CCI_CONFIG is unset or unreadable.
var ErrNotFound = fmt.Errorf("config: %s not set or file not found", EnvVar)

// Load reads and parses the file named by CCI_CONFIG.
func Load() ([]Device, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, ErrNotFound
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, ErrNotFound
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads an INI-style device configuration from r. Each [section]
// becomes one Device; `transport = <name>` is mandatory within it.
func Parse(r io.Reader) ([]Device, error) {
	scanner := bufio.NewScanner(r)

	var devices []Device
	var cur *Device
	defaultSeen := false
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				return nil, fmt.Errorf("config: line %d: malformed section header %q", lineNo, line)
			}
			if cur != nil {
				if err := finalizeDevice(cur); err != nil {
					return nil, err
				}
				devices = append(devices, *cur)
			}
			name := strings.TrimSpace(line[1 : len(line)-1])
			cur = &Device{Name: name, Priority: defaultPriority, Params: map[string]string{}}
			continue
		}

		if cur == nil {
			return nil, fmt.Errorf("config: line %d: key outside any [section]", lineNo)
		}

		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("config: line %d: expected key = value", lineNo)
		}
		key = strings.ToLower(strings.TrimSpace(key))
		val = strings.TrimSpace(val)

		switch key {
		case "transport":
			cur.Transport = val
		case "priority":
			p, err := strconv.Atoi(val)
			if err != nil {
				return nil, fmt.Errorf("config: line %d: priority %q not an integer", lineNo, val)
			}
			cur.Priority = p
		case "default":
			isDefault := val == "1" || strings.EqualFold(val, "true")
			if isDefault && defaultSeen {
				return nil, fmt.Errorf("config: line %d: more than one default device", lineNo)
			}
			cur.Default = isDefault
			defaultSeen = defaultSeen || isDefault
		default:
			cur.Params[key] = val
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if cur != nil {
		if err := finalizeDevice(cur); err != nil {
			return nil, err
		}
		devices = append(devices, *cur)
	}

	sort.SliceStable(devices, func(i, j int) bool { return devices[i].Priority > devices[j].Priority })
	return devices, nil
}

const defaultPriority = 50

func finalizeDevice(d *Device) error {
	if d.Transport == "" {
		return fmt.Errorf("config: section %q missing mandatory transport key", d.Name)
	}
	return nil
}

// ResolveInterfaceIP looks up the first IPv4 address bound to the named
// network interface, for device stanzas that configure `interface = eth0`
// rather than a literal `ip =`.
func ResolveInterfaceIP(ifaceName string) (string, error) {
	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return "", fmt.Errorf("config: interface %q: %w", ifaceName, err)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return "", fmt.Errorf("config: interface %q: %w", ifaceName, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("config: interface %q has no IPv4 address", ifaceName)
	}
	return addrs[0].IP.String(), nil
}
