package libvirt

import (
	"testing"

	"libvirt.org/go/libvirtxml"
)

func parseTemplate(t *testing.T) *libvirtxml.Domain {
	t.Helper()
	def := &libvirtxml.Domain{}
	if err := def.Unmarshal(templateXML); err != nil {
		t.Fatalf("failed to parse template XML: %v", err)
	}
	return def
}

func TestCloneDomain_NoBootDisk(t *testing.T) {
	def := &libvirtxml.Domain{
		Name: "empty",
		Devices: &libvirtxml.DomainDeviceList{
			Disks: []libvirtxml.DomainDisk{{Device: "cdrom"}},
		},
	}
	if err := cloneDomain(def, "auto-x", "vms", "auto-x_boot.qcow2"); err == nil {
		t.Fatal("expected error for template without a boot disk")
	}

	if err := cloneDomain(&libvirtxml.Domain{Name: "bare"}, "auto-x", "vms", "v"); err == nil {
		t.Fatal("expected error for template without devices")
	}
}

func TestAttachSeed(t *testing.T) {
	def := parseTemplate(t)

	if err := attachSeed(def, "vms", "auto-alice_cloudinit.iso", "be:ef:c0:a8:dc:37", ""); err != nil {
		t.Fatalf("attachSeed failed: %v", err)
	}

	var cdroms []libvirtxml.DomainDisk
	for _, disk := range def.Devices.Disks {
		if disk.Device == "cdrom" {
			cdroms = append(cdroms, disk)
		}
	}
	if len(cdroms) != 1 {
		t.Fatalf("found %d cdroms, want 1 (template installer must be replaced)", len(cdroms))
	}
	seed := cdroms[0]
	if seed.Target.Bus != "sata" || seed.ReadOnly == nil {
		t.Errorf("seed disk = %+v, want read-only sata", seed)
	}
	if def.Devices.Interfaces[0].MAC.Address != "be:ef:c0:a8:dc:37" {
		t.Errorf("MAC = %s", def.Devices.Interfaces[0].MAC.Address)
	}
}

func TestAttachSeed_AddsBridgeInterface(t *testing.T) {
	def := &libvirtxml.Domain{Name: "auto-bob"}

	if err := attachSeed(def, "vms", "seed.iso", "be:ef:c0:a8:dc:38", ""); err == nil {
		t.Fatal("expected error without interface or bridge")
	}

	if err := attachSeed(def, "vms", "seed.iso", "be:ef:c0:a8:dc:38", "br0"); err != nil {
		t.Fatalf("attachSeed failed: %v", err)
	}
	if len(def.Devices.Interfaces) != 1 {
		t.Fatalf("got %d interfaces, want 1", len(def.Devices.Interfaces))
	}
	iface := def.Devices.Interfaces[0]
	if iface.Source.Bridge.Bridge != "br0" || iface.MAC.Address != "be:ef:c0:a8:dc:38" {
		t.Errorf("interface = %+v", iface)
	}
}

func TestStateToString(t *testing.T) {
	tests := map[int32]string{
		1:  "running",
		3:  "paused",
		5:  "stopped",
		42: "unknown(42)",
	}
	for state, want := range tests {
		if got := stateToString(state); got != want {
			t.Errorf("stateToString(%d) = %q, want %q", state, got, want)
		}
	}
}
