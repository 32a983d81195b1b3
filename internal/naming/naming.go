// Package naming provides the naming conventions autospawn relies on:
// the derived resource name that marks a VM as managed, plus the
// MAC address and volume names used by the libvirt backend.
package naming

import (
	"fmt"
	"net"
	"strings"
)

// ResourceName returns the deterministic VM name for an owner.
// Format: {prefix}-{lowercase(owner)}
//
// Example: prefix "auto", owner "Alice" → "auto-alice"
func ResourceName(prefix, owner string) string {
	return prefix + "-" + strings.ToLower(owner)
}

// IsManaged reports whether a VM name has the form ResourceName produces,
// prefix followed by "-". With prefix "auto", "autobuild" is not managed.
// Ownership tags (see config managed.require_tag) tighten this further
// when the hypervisor supports them.
func IsManaged(prefix, name string) bool {
	return strings.HasPrefix(name, prefix+"-")
}

// OwnerFromName recovers the lowercase owner from a derived name.
// Returns false if the name was not produced by ResourceName with this prefix.
func OwnerFromName(prefix, name string) (string, bool) {
	owner, ok := strings.CutPrefix(name, prefix+"-")
	if !ok || owner == "" {
		return "", false
	}
	return owner, true
}

// MACFromIP calculates a deterministic MAC address from an IP address.
// Uses the RFC 2731 local assignment prefix be:ef:.
//
// Example: IP 10.55.22.22 → MAC be:ef:0a:37:16:16
func MACFromIP(ip string) (string, error) {
	ipv4, err := parseIPv4(ip)
	if err != nil {
		return "", err
	}

	// Format: be:ef:XX:XX:XX:XX where XX are IP octets in hex
	return fmt.Sprintf("be:ef:%02x:%02x:%02x:%02x",
		ipv4[0], ipv4[1], ipv4[2], ipv4[3]), nil
}

// parseIPv4 accepts "10.1.2.3" or "10.1.2.3/24" and returns the 4-byte form.
func parseIPv4(ip string) (net.IP, error) {
	ipStr := ip
	if strings.Contains(ip, "/") {
		ipAddr, _, err := net.ParseCIDR(ip)
		if err != nil {
			return nil, fmt.Errorf("invalid IP/CIDR: %w", err)
		}
		ipStr = ipAddr.String()
	}

	parsedIP := net.ParseIP(ipStr)
	if parsedIP == nil {
		return nil, fmt.Errorf("invalid IP address: %s", ipStr)
	}

	ipv4 := parsedIP.To4()
	if ipv4 == nil {
		return nil, fmt.Errorf("not an IPv4 address: %s", ipStr)
	}
	return ipv4, nil
}

// VolumeNameBoot returns the volume name for a VM's boot disk.
// Format: {vmName}_boot.qcow2
func VolumeNameBoot(vmName string) string {
	return fmt.Sprintf("%s_boot.qcow2", vmName)
}

// VolumeNameCloudInit returns the volume name for a VM's cloud-init ISO.
// Format: {vmName}_cloudinit.iso
func VolumeNameCloudInit(vmName string) string {
	return fmt.Sprintf("%s_cloudinit.iso", vmName)
}

// VolumePrefix returns the prefix shared by every volume of a VM.
func VolumePrefix(vmName string) string {
	return vmName + "_"
}
