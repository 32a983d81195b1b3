package libvirt

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/digitalocean/go-libvirt"
	"go.uber.org/zap"
	"libvirt.org/go/libvirtxml"
)

// diskVolume resolves the storage volume behind a disk, whether the
// domain references it by pool/volume or by file path.
func (s *session) diskVolume(disk *libvirtxml.DomainDisk) (libvirt.StorageVol, error) {
	switch {
	case disk.Source == nil:
		return libvirt.StorageVol{}, fmt.Errorf("disk has no source")
	case disk.Source.Volume != nil:
		pool, err := s.l.StoragePoolLookupByName(disk.Source.Volume.Pool)
		if err != nil {
			return libvirt.StorageVol{}, fmt.Errorf("pool %s not found: %w", disk.Source.Volume.Pool, err)
		}
		vol, err := s.l.StorageVolLookupByName(pool, disk.Source.Volume.Volume)
		if err != nil {
			return libvirt.StorageVol{}, fmt.Errorf("volume %s not found: %w", disk.Source.Volume.Volume, err)
		}
		return vol, nil
	case disk.Source.File != nil:
		vol, err := s.l.StorageVolLookupByPath(disk.Source.File.File)
		if err != nil {
			return libvirt.StorageVol{}, fmt.Errorf("no storage volume for %s: %w", disk.Source.File.File, err)
		}
		return vol, nil
	default:
		return libvirt.StorageVol{}, fmt.Errorf("unsupported disk source")
	}
}

// copyVolume makes a full, independent copy of src named name in poolName.
func (s *session) copyVolume(src libvirt.StorageVol, poolName, name string) error {
	pool, err := s.l.StoragePoolLookupByName(poolName)
	if err != nil {
		return fmt.Errorf("pool %s not found: %w", poolName, err)
	}

	_, capacity, _, err := s.l.StorageVolGetInfo(src)
	if err != nil {
		return fmt.Errorf("failed to get info for volume %s: %w", src.Name, err)
	}

	volXML, err := volumeXML(name, "qcow2", capacity)
	if err != nil {
		return err
	}
	if _, err := s.l.StorageVolCreateXMLFrom(pool, volXML, src, 0); err != nil {
		return fmt.Errorf("failed to copy volume %s to %s: %w", src.Name, name, err)
	}
	return nil
}

// writeVolume creates (or recreates) a raw volume holding data.
func (s *session) writeVolume(poolName, name string, data []byte) error {
	pool, err := s.l.StoragePoolLookupByName(poolName)
	if err != nil {
		return fmt.Errorf("pool %s not found: %w", poolName, err)
	}

	if existing, err := s.l.StorageVolLookupByName(pool, name); err == nil {
		if err := s.l.StorageVolDelete(existing, 0); err != nil {
			return fmt.Errorf("failed to replace volume %s: %w", name, err)
		}
	}

	volXML, err := volumeXML(name, "raw", uint64(len(data)))
	if err != nil {
		return err
	}
	vol, err := s.l.StorageVolCreateXML(pool, volXML, 0)
	if err != nil {
		return fmt.Errorf("failed to create volume %s: %w", name, err)
	}
	if err := s.l.StorageVolUpload(vol, bytes.NewReader(data), 0, uint64(len(data)), 0); err != nil {
		return fmt.Errorf("failed to upload data to volume %s: %w", name, err)
	}
	return nil
}

// deleteVolumesWithPrefix removes every volume in poolName whose name
// starts with prefix. Failures are logged and skipped.
func (s *session) deleteVolumesWithPrefix(poolName, prefix string) int {
	pool, err := s.l.StoragePoolLookupByName(poolName)
	if err != nil {
		s.logger.Warn("failed to look up pool for volume cleanup", zap.String("pool", poolName), zap.Error(err))
		return 0
	}

	volumes, _, err := s.l.StoragePoolListAllVolumes(pool, 1, 0)
	if err != nil {
		s.logger.Warn("failed to list volumes", zap.String("pool", poolName), zap.Error(err))
		return 0
	}

	deleted := 0
	for _, vol := range volumes {
		if !strings.HasPrefix(vol.Name, prefix) {
			continue
		}
		if err := s.l.StorageVolDelete(vol, 0); err != nil {
			s.logger.Warn("failed to delete volume", zap.String("pool", poolName), zap.String("volume", vol.Name), zap.Error(err))
			continue
		}
		deleted++
	}
	return deleted
}

// volumeXML generates XML for a file-backed storage volume.
func volumeXML(name, format string, capacity uint64) (string, error) {
	vol := &libvirtxml.StorageVolume{
		Type: "file",
		Name: name,
		Capacity: &libvirtxml.StorageVolumeSize{
			Value: capacity,
			Unit:  "B",
		},
		Target: &libvirtxml.StorageVolumeTarget{
			Format: &libvirtxml.StorageVolumeTargetFormat{
				Type: format,
			},
		},
	}

	xml, err := vol.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal volume XML: %w", err)
	}
	return xml, nil
}
