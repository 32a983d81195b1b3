package libvirt

import (
	"context"
	"fmt"

	"github.com/digitalocean/go-libvirt"
	"go.uber.org/zap"
	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/autospawn/internal/cloudinit"
	"github.com/jbweber/autospawn/internal/hypervisor"
	"github.com/jbweber/autospawn/internal/naming"
)

type session struct {
	l      libvirtAPI
	bridge string
	logger *zap.Logger
}

// managedDomain is a domain carrying autospawn metadata.
type managedDomain struct {
	dom libvirt.Domain
	md  Metadata
}

// domains returns every domain with an autospawn id.
func (s *session) domains() ([]managedDomain, error) {
	doms, _, err := s.l.ConnectListAllDomains(1, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list domains: %w", err)
	}

	out := make([]managedDomain, 0, len(doms))
	for _, dom := range doms {
		md, ok, err := loadMetadata(s.l, dom)
		if err != nil {
			s.logger.Warn("skipping domain with unreadable metadata", zap.String("domain", dom.Name), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		out = append(out, managedDomain{dom: dom, md: md})
	}
	return out, nil
}

// lookup finds the domain carrying id.
func (s *session) lookup(id int) (managedDomain, error) {
	doms, err := s.domains()
	if err != nil {
		return managedDomain{}, err
	}
	for _, d := range doms {
		if d.md.ID == id {
			return d, nil
		}
	}
	return managedDomain{}, fmt.Errorf("id %d: %w", id, hypervisor.ErrNotFound)
}

func (s *session) definition(dom libvirt.Domain) (*libvirtxml.Domain, error) {
	raw, err := s.l.DomainGetXMLDesc(dom, libvirt.DomainXMLInactive)
	if err != nil {
		return nil, fmt.Errorf("failed to get XML for %s: %w", dom.Name, err)
	}
	def := &libvirtxml.Domain{}
	if err := def.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("failed to parse XML for %s: %w", dom.Name, err)
	}
	return def, nil
}

func (s *session) ListVMs(ctx context.Context) ([]hypervisor.VM, error) {
	doms, err := s.domains()
	if err != nil {
		return nil, err
	}

	vms := make([]hypervisor.VM, 0, len(doms))
	for _, d := range doms {
		status := "unknown"
		if state, _, err := s.l.DomainGetState(d.dom, 0); err == nil {
			status = stateToString(state)
		} else {
			s.logger.Warn("failed to get domain state", zap.String("domain", d.dom.Name), zap.Error(err))
		}
		vms = append(vms, hypervisor.VM{
			ID:     d.md.ID,
			Name:   d.dom.Name,
			Status: status,
			Tags:   d.md.Tags,
		})
	}
	return vms, nil
}

func (s *session) ListVMIDs(ctx context.Context) ([]int, error) {
	doms, err := s.domains()
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(doms))
	for _, d := range doms {
		ids = append(ids, d.md.ID)
	}
	return ids, nil
}

func (s *session) Clone(ctx context.Context, template, newID int, name, storage string) error {
	tmpl, err := s.lookup(template)
	if err != nil {
		return fmt.Errorf("template: %w", err)
	}
	if _, err := s.lookup(newID); err == nil {
		return fmt.Errorf("id %d is already in use", newID)
	}

	tmplDef, err := s.definition(tmpl.dom)
	if err != nil {
		return err
	}
	srcDisk, err := bootDisk(tmplDef)
	if err != nil {
		return err
	}
	srcVol, err := s.diskVolume(srcDisk)
	if err != nil {
		return fmt.Errorf("template boot disk: %w", err)
	}

	bootVolume := naming.VolumeNameBoot(name)
	if err := cloneDomain(tmplDef, name, storage, bootVolume); err != nil {
		return err
	}
	out, err := tmplDef.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal domain XML: %w", err)
	}

	s.logger.Debug("copying template boot volume", zap.String("source", srcVol.Name), zap.String("volume", bootVolume))
	if err := s.copyVolume(srcVol, storage, bootVolume); err != nil {
		return err
	}

	dom, err := s.l.DomainDefineXML(out)
	if err != nil {
		s.deleteVolumesWithPrefix(storage, naming.VolumePrefix(name))
		return fmt.Errorf("failed to define domain %s: %w", name, err)
	}
	if err := storeMetadata(s.l, dom, Metadata{ID: newID}); err != nil {
		return err
	}
	return nil
}

func (s *session) Configure(ctx context.Context, id int, cfg hypervisor.InstanceConfig) error {
	d, err := s.lookup(id)
	if err != nil {
		return err
	}
	def, err := s.definition(d.dom)
	if err != nil {
		return err
	}

	disk, err := bootDisk(def)
	if err != nil {
		return err
	}
	if disk.Source == nil || disk.Source.Volume == nil {
		return fmt.Errorf("domain %s boot disk is not pool-backed", def.Name)
	}
	pool := disk.Source.Volume.Pool

	mac, err := naming.MACFromIP(cfg.Address.String())
	if err != nil {
		return fmt.Errorf("failed to derive MAC address: %w", err)
	}

	iso, err := cloudinit.GenerateISO(&cloudinit.Instance{
		Name:           def.Name,
		MACAddress:     mac,
		InstanceConfig: cfg,
	})
	if err != nil {
		return fmt.Errorf("failed to generate cloud-init seed: %w", err)
	}

	seed := naming.VolumeNameCloudInit(def.Name)
	if err := s.writeVolume(pool, seed, iso); err != nil {
		return err
	}

	if err := attachSeed(def, pool, seed, mac, s.bridge); err != nil {
		return err
	}
	out, err := def.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal domain XML: %w", err)
	}
	dom, err := s.l.DomainDefineXML(out)
	if err != nil {
		return fmt.Errorf("failed to redefine domain %s: %w", def.Name, err)
	}

	md := d.md
	md.Owner = cfg.Owner
	if cfg.Tag != "" {
		md.Tags = []string{cfg.Tag}
	}
	return storeMetadata(s.l, dom, md)
}

func (s *session) Start(ctx context.Context, id int) error {
	d, err := s.lookup(id)
	if err != nil {
		return err
	}
	if err := s.l.DomainCreate(d.dom); err != nil {
		return fmt.Errorf("failed to start %s: %w", d.dom.Name, err)
	}
	return nil
}

// Stop powers the domain off. A domain that is not running is left alone.
func (s *session) Stop(ctx context.Context, id int) error {
	d, err := s.lookup(id)
	if err != nil {
		return err
	}
	state, _, err := s.l.DomainGetState(d.dom, 0)
	if err != nil {
		return fmt.Errorf("failed to get state of %s: %w", d.dom.Name, err)
	}
	if state == int32(libvirt.DomainShutoff) {
		return nil
	}
	if err := s.l.DomainDestroy(d.dom); err != nil {
		return fmt.Errorf("failed to stop %s: %w", d.dom.Name, err)
	}
	return nil
}

// Delete undefines the domain and removes its volumes from every pool its
// disks live in.
func (s *session) Delete(ctx context.Context, id int) error {
	d, err := s.lookup(id)
	if err != nil {
		return err
	}

	pools := map[string]struct{}{}
	if def, err := s.definition(d.dom); err == nil && def.Devices != nil {
		for _, disk := range def.Devices.Disks {
			if disk.Source != nil && disk.Source.Volume != nil {
				pools[disk.Source.Volume.Pool] = struct{}{}
			}
		}
	} else if err != nil {
		s.logger.Warn("failed to read domain disks, volumes will be left behind", zap.String("domain", d.dom.Name), zap.Error(err))
	}

	if err := s.l.DomainUndefineFlags(d.dom, libvirt.DomainUndefineNvram); err != nil {
		return fmt.Errorf("failed to undefine %s: %w", d.dom.Name, err)
	}

	deleted := 0
	for pool := range pools {
		deleted += s.deleteVolumesWithPrefix(pool, naming.VolumePrefix(d.dom.Name))
	}
	s.logger.Debug("domain deleted", zap.String("domain", d.dom.Name), zap.Int("volumes", deleted))
	return nil
}

func (s *session) Close() error {
	if err := s.l.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect from libvirt: %w", err)
	}
	return nil
}

var _ hypervisor.Session = (*session)(nil)
