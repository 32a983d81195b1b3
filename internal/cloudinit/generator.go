// Package cloudinit renders the NoCloud seed a cloned VM boots with: login
// user, password, SSH keys and static network configuration.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/datasources/nocloud.html
package cloudinit

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/autospawn/internal/hypervisor"
)

// Instance is everything needed to seed one VM.
type Instance struct {
	// Name becomes the hostname and the instance-id.
	Name string

	// MACAddress matches the interface the static address is applied to.
	MACAddress string

	hypervisor.InstanceConfig
}

// UserData represents the cloud-config user-data structure.
// This is marshaled to YAML and prefixed with "#cloud-config" header.
//
// See https://cloudinit.readthedocs.io/en/latest/explanation/format.html#cloud-config-data
type UserData struct {
	Hostname        string    `yaml:"hostname"`
	Users           []User    `yaml:"users"`
	Chpasswd        *Chpasswd `yaml:"chpasswd,omitempty"`
	SSHPasswordAuth bool      `yaml:"ssh_pwauth"`
	Output          *Output   `yaml:"output,omitempty"`
}

// User is a cloud-config users entry.
type User struct {
	Name              string   `yaml:"name"`
	Groups            string   `yaml:"groups,omitempty"`
	Sudo              string   `yaml:"sudo,omitempty"`
	Shell             string   `yaml:"shell,omitempty"`
	LockPasswd        bool     `yaml:"lock_passwd"`
	SSHAuthorizedKeys []string `yaml:"ssh_authorized_keys,omitempty"`
}

// Chpasswd sets user passwords.
type Chpasswd struct {
	Expire bool           `yaml:"expire"`
	Users  []ChpasswdUser `yaml:"users"`
}

// ChpasswdUser is one chpasswd entry. Type "text" means Password is plaintext.
type ChpasswdUser struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
	Type     string `yaml:"type"`
}

// Output configures cloud-init output logging.
type Output struct {
	All string `yaml:"all"`
}

// MetaData represents the cloud-init meta-data structure.
type MetaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
}

// NetworkConfig represents the netplan v2 network configuration.
//
// See https://cloudinit.readthedocs.io/en/latest/reference/network-config-format-v2.html
type NetworkConfig struct {
	Version   int                       `yaml:"version"`
	Ethernets map[string]EthernetConfig `yaml:"ethernets"`
}

// EthernetConfig represents a single ethernet interface configuration.
type EthernetConfig struct {
	Match       MatchConfig   `yaml:"match"`
	SetName     string        `yaml:"set-name,omitempty"`
	Addresses   []string      `yaml:"addresses"`
	Routes      []RouteConfig `yaml:"routes,omitempty"`
	Nameservers *Nameservers  `yaml:"nameservers,omitempty"`
}

// MatchConfig matches an interface by MAC address.
type MatchConfig struct {
	MACAddress string `yaml:"macaddress"`
}

// RouteConfig represents a static route.
type RouteConfig struct {
	To  string `yaml:"to"`
	Via string `yaml:"via"`
}

// Nameservers represents DNS server configuration.
type Nameservers struct {
	Addresses []string `yaml:"addresses"`
}

// GenerateUserData returns the user-data file including the "#cloud-config" header.
func GenerateUserData(inst *Instance) (string, error) {
	if inst == nil {
		return "", fmt.Errorf("instance cannot be nil")
	}
	if inst.User == "" {
		return "", fmt.Errorf("login user is required")
	}

	userData := UserData{
		Hostname: inst.Name,
		Users: []User{{
			Name:              inst.User,
			Groups:            "sudo",
			Sudo:              "ALL=(ALL) NOPASSWD:ALL",
			Shell:             "/bin/bash",
			LockPasswd:        inst.Password == "",
			SSHAuthorizedKeys: inst.SSHKeys,
		}},
		SSHPasswordAuth: inst.Password != "",
		Output: &Output{
			All: "| tee -a /var/log/cloud-init-output.log",
		},
	}
	if inst.Password != "" {
		userData.Chpasswd = &Chpasswd{
			Expire: false,
			Users:  []ChpasswdUser{{Name: inst.User, Password: inst.Password, Type: "text"}},
		}
	}

	yamlBytes, err := yaml.Marshal(&userData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal user-data to YAML: %w", err)
	}

	return "#cloud-config\n" + string(yamlBytes), nil
}

// GenerateMetaData returns the meta-data file.
//
// The instance-id is the VM name, so a VM recreated under the same name
// (the next day's spawn) is seeded again.
func GenerateMetaData(inst *Instance) (string, error) {
	if inst == nil {
		return "", fmt.Errorf("instance cannot be nil")
	}

	metaData := MetaData{
		InstanceID:    inst.Name,
		LocalHostname: inst.Name,
	}

	yamlBytes, err := yaml.Marshal(&metaData)
	if err != nil {
		return "", fmt.Errorf("failed to marshal meta-data to YAML: %w", err)
	}

	return string(yamlBytes), nil
}

// GenerateNetworkConfig returns a netplan v2 config for the single
// interface matched by MAC address, with a default route via the gateway.
func GenerateNetworkConfig(inst *Instance) (string, error) {
	if inst == nil {
		return "", fmt.Errorf("instance cannot be nil")
	}
	if !inst.Address.IsValid() {
		return "", fmt.Errorf("address is required")
	}
	if inst.MACAddress == "" {
		return "", fmt.Errorf("MAC address is required")
	}

	eth := EthernetConfig{
		Match:     MatchConfig{MACAddress: inst.MACAddress},
		SetName:   "eth0",
		Addresses: []string{inst.Address.String()},
	}
	if inst.Gateway.IsValid() {
		eth.Routes = []RouteConfig{{To: "0.0.0.0/0", Via: inst.Gateway.String()}}
	}
	if inst.Nameserver.IsValid() {
		eth.Nameservers = &Nameservers{Addresses: []string{inst.Nameserver.String()}}
	}

	networkConfig := NetworkConfig{
		Version:   2,
		Ethernets: map[string]EthernetConfig{"eth0": eth},
	}

	yamlBytes, err := yaml.Marshal(&networkConfig)
	if err != nil {
		return "", fmt.Errorf("failed to marshal network-config to YAML: %w", err)
	}

	return string(yamlBytes), nil
}
