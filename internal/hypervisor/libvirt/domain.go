package libvirt

import (
	"fmt"

	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"
)

// cloneDomain rewrites a template definition in place into a new domain:
// fresh name and UUID, the boot disk pointed at the copied volume, no
// CD-ROMs, no MAC addresses and none of the template's metadata.
func cloneDomain(dom *libvirtxml.Domain, name, pool, bootVolume string) error {
	dom.Name = name
	dom.UUID = uuid.New().String()
	dom.ID = nil
	dom.Metadata = nil
	dom.Description = ""

	if dom.Devices == nil {
		return fmt.Errorf("template has no devices")
	}

	disks := dom.Devices.Disks[:0]
	var haveBoot bool
	for _, disk := range dom.Devices.Disks {
		if disk.Device == "cdrom" {
			continue
		}
		if !haveBoot && isDiskDevice(disk) {
			disk.Source = &libvirtxml.DomainDiskSource{
				Volume: &libvirtxml.DomainDiskSourceVolume{Pool: pool, Volume: bootVolume},
			}
			if disk.Driver == nil {
				disk.Driver = &libvirtxml.DomainDiskDriver{Name: "qemu"}
			}
			disk.Driver.Type = "qcow2"
			disk.BackingStore = nil
			haveBoot = true
		}
		disks = append(disks, disk)
	}
	if !haveBoot {
		return fmt.Errorf("template has no boot disk")
	}
	dom.Devices.Disks = disks

	for i := range dom.Devices.Interfaces {
		dom.Devices.Interfaces[i].MAC = nil
		dom.Devices.Interfaces[i].Target = nil
	}

	return nil
}

// bootDisk returns the first non-CD-ROM disk.
func bootDisk(dom *libvirtxml.Domain) (*libvirtxml.DomainDisk, error) {
	if dom.Devices != nil {
		for i := range dom.Devices.Disks {
			if isDiskDevice(dom.Devices.Disks[i]) {
				return &dom.Devices.Disks[i], nil
			}
		}
	}
	return nil, fmt.Errorf("domain %s has no boot disk", dom.Name)
}

func isDiskDevice(d libvirtxml.DomainDisk) bool {
	return d.Device == "" || d.Device == "disk"
}

// attachSeed points the first network interface at mac and attaches the
// cloud-init seed volume as a read-only SATA CD-ROM, replacing any earlier
// seed. A bridge interface is added when the domain has none.
func attachSeed(dom *libvirtxml.Domain, pool, volume, mac, bridge string) error {
	if dom.Devices == nil {
		dom.Devices = &libvirtxml.DomainDeviceList{}
	}

	if len(dom.Devices.Interfaces) == 0 {
		if bridge == "" {
			return fmt.Errorf("domain %s has no network interface and no bridge is configured", dom.Name)
		}
		dom.Devices.Interfaces = append(dom.Devices.Interfaces, libvirtxml.DomainInterface{
			Source: &libvirtxml.DomainInterfaceSource{
				Bridge: &libvirtxml.DomainInterfaceSourceBridge{Bridge: bridge},
			},
			Model: &libvirtxml.DomainInterfaceModel{Type: "virtio"},
		})
	}
	dom.Devices.Interfaces[0].MAC = &libvirtxml.DomainInterfaceMAC{Address: mac}

	disks := dom.Devices.Disks[:0]
	for _, disk := range dom.Devices.Disks {
		if disk.Device != "cdrom" {
			disks = append(disks, disk)
		}
	}
	dom.Devices.Disks = append(disks, libvirtxml.DomainDisk{
		Device: "cdrom",
		Driver: &libvirtxml.DomainDiskDriver{
			Name: "qemu",
			Type: "raw",
		},
		Source: &libvirtxml.DomainDiskSource{
			Volume: &libvirtxml.DomainDiskSourceVolume{Pool: pool, Volume: volume},
		},
		Target: &libvirtxml.DomainDiskTarget{
			Dev: "sda",
			Bus: "sata",
		},
		ReadOnly: &libvirtxml.DomainDiskReadOnly{},
	})
	return nil
}

// stateToString converts a libvirt domain state to the status string
// reported to callers.
func stateToString(state int32) string {
	switch state {
	case 0:
		return "no state"
	case 1:
		return "running"
	case 2:
		return "blocked"
	case 3:
		return "paused"
	case 4:
		return "shutdown"
	case 5:
		return "stopped"
	case 6:
		return "crashed"
	case 7:
		return "pmsuspended"
	default:
		return fmt.Sprintf("unknown(%d)", state)
	}
}
