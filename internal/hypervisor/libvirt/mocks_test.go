package libvirt

import (
	"fmt"
	"io"
	"sync"

	"github.com/digitalocean/go-libvirt"
	"libvirt.org/go/libvirtxml"
)

// fakeLibvirt is an in-memory libvirt holding domains and pool volumes.
type fakeLibvirt struct {
	mu sync.Mutex

	domains map[string]*fakeDomain
	order   []string
	volumes map[string]map[string]*fakeVolume // pool -> volume name -> volume

	// Configurable failures
	defineErr  error
	destroyErr error

	// Call tracking
	definedXML     []string
	createCalls    []string
	destroyCalls   []string
	undefineCalls  []string
	copiedFrom     []string
	deletedVolumes []string
	disconnected   bool
}

type fakeDomain struct {
	xml      string
	metadata string
	state    int32
}

type fakeVolume struct {
	capacity uint64
	data     []byte
}

func newFakeLibvirt() *fakeLibvirt {
	return &fakeLibvirt{
		domains: map[string]*fakeDomain{},
		volumes: map[string]map[string]*fakeVolume{},
	}
}

func volPath(pool, name string) string {
	return "/pools/" + pool + "/" + name
}

// addPool registers an empty pool.
func (f *fakeLibvirt) addPool(name string) {
	f.volumes[name] = map[string]*fakeVolume{}
}

// addVolume registers a volume in an existing pool.
func (f *fakeLibvirt) addVolume(pool, name string, capacity uint64) {
	f.volumes[pool][name] = &fakeVolume{capacity: capacity}
}

// addDomain registers a domain. metadata may be empty.
func (f *fakeLibvirt) addDomain(name, xml, metadata string, state int32) {
	f.domains[name] = &fakeDomain{xml: xml, metadata: metadata, state: state}
	f.order = append(f.order, name)
}

func (f *fakeLibvirt) ConnectGetLibVersion() (uint64, error) {
	return 10_000_000, nil
}

func (f *fakeLibvirt) Disconnect() error {
	f.disconnected = true
	return nil
}

func (f *fakeLibvirt) ConnectListAllDomains(needResults int32, flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []libvirt.Domain
	for _, name := range f.order {
		if _, ok := f.domains[name]; ok {
			out = append(out, libvirt.Domain{Name: name})
		}
	}
	return out, uint32(len(out)), nil
}

func (f *fakeLibvirt) domain(dom libvirt.Domain) (*fakeDomain, error) {
	d, ok := f.domains[dom.Name]
	if !ok {
		return nil, libvirt.Error{Code: uint32(libvirt.ErrNoDomain), Message: "Domain not found: " + dom.Name}
	}
	return d, nil
}

func (f *fakeLibvirt) DomainGetState(dom libvirt.Domain, flags uint32) (int32, int32, error) {
	d, err := f.domain(dom)
	if err != nil {
		return 0, 0, err
	}
	return d.state, 0, nil
}

func (f *fakeLibvirt) DomainGetXMLDesc(dom libvirt.Domain, flags libvirt.DomainXMLFlags) (string, error) {
	d, err := f.domain(dom)
	if err != nil {
		return "", err
	}
	return d.xml, nil
}

func (f *fakeLibvirt) DomainGetMetadata(dom libvirt.Domain, typ int32, uri libvirt.OptString, flags libvirt.DomainModificationImpact) (string, error) {
	d, err := f.domain(dom)
	if err != nil {
		return "", err
	}
	if d.metadata == "" {
		return "", libvirt.Error{Code: uint32(libvirt.ErrNoDomainMetadata), Message: "metadata not found"}
	}
	return d.metadata, nil
}

func (f *fakeLibvirt) DomainSetMetadata(dom libvirt.Domain, typ int32, metadata libvirt.OptString, key libvirt.OptString, uri libvirt.OptString, flags libvirt.DomainModificationImpact) error {
	d, err := f.domain(dom)
	if err != nil {
		return err
	}
	if len(metadata) == 0 {
		d.metadata = ""
		return nil
	}
	d.metadata = metadata[0]
	return nil
}

func (f *fakeLibvirt) DomainDefineXML(xml string) (libvirt.Domain, error) {
	if f.defineErr != nil {
		return libvirt.Domain{}, f.defineErr
	}
	def := &libvirtxml.Domain{}
	if err := def.Unmarshal(xml); err != nil {
		return libvirt.Domain{}, fmt.Errorf("invalid domain XML: %w", err)
	}
	f.definedXML = append(f.definedXML, xml)

	if d, ok := f.domains[def.Name]; ok {
		d.xml = xml
	} else {
		f.addDomain(def.Name, xml, "", int32(libvirt.DomainShutoff))
	}
	return libvirt.Domain{Name: def.Name}, nil
}

func (f *fakeLibvirt) DomainCreate(dom libvirt.Domain) error {
	d, err := f.domain(dom)
	if err != nil {
		return err
	}
	f.createCalls = append(f.createCalls, dom.Name)
	d.state = int32(libvirt.DomainRunning)
	return nil
}

func (f *fakeLibvirt) DomainDestroy(dom libvirt.Domain) error {
	d, err := f.domain(dom)
	if err != nil {
		return err
	}
	f.destroyCalls = append(f.destroyCalls, dom.Name)
	if f.destroyErr != nil {
		return f.destroyErr
	}
	d.state = int32(libvirt.DomainShutoff)
	return nil
}

func (f *fakeLibvirt) DomainUndefineFlags(dom libvirt.Domain, flags libvirt.DomainUndefineFlagsValues) error {
	if _, err := f.domain(dom); err != nil {
		return err
	}
	f.undefineCalls = append(f.undefineCalls, dom.Name)
	delete(f.domains, dom.Name)
	return nil
}

func (f *fakeLibvirt) StoragePoolLookupByName(name string) (libvirt.StoragePool, error) {
	if _, ok := f.volumes[name]; !ok {
		return libvirt.StoragePool{}, fmt.Errorf("storage pool not found: %s", name)
	}
	return libvirt.StoragePool{Name: name}, nil
}

func (f *fakeLibvirt) StoragePoolListAllVolumes(pool libvirt.StoragePool, needResults int32, flags uint32) ([]libvirt.StorageVol, uint32, error) {
	var out []libvirt.StorageVol
	for name := range f.volumes[pool.Name] {
		out = append(out, libvirt.StorageVol{Name: name, Pool: pool.Name, Key: volPath(pool.Name, name)})
	}
	return out, uint32(len(out)), nil
}

func (f *fakeLibvirt) StorageVolLookupByName(pool libvirt.StoragePool, name string) (libvirt.StorageVol, error) {
	if _, ok := f.volumes[pool.Name][name]; !ok {
		return libvirt.StorageVol{}, fmt.Errorf("storage volume not found: %s", name)
	}
	return libvirt.StorageVol{Name: name, Pool: pool.Name, Key: volPath(pool.Name, name)}, nil
}

func (f *fakeLibvirt) StorageVolLookupByPath(path string) (libvirt.StorageVol, error) {
	for pool, vols := range f.volumes {
		for name := range vols {
			if volPath(pool, name) == path {
				return libvirt.StorageVol{Name: name, Pool: pool, Key: path}, nil
			}
		}
	}
	return libvirt.StorageVol{}, fmt.Errorf("no storage vol with matching path %s", path)
}

func (f *fakeLibvirt) StorageVolGetInfo(vol libvirt.StorageVol) (int8, uint64, uint64, error) {
	v, ok := f.volumes[vol.Pool][vol.Name]
	if !ok {
		return 0, 0, 0, fmt.Errorf("storage volume not found: %s", vol.Name)
	}
	return 0, v.capacity, v.capacity, nil
}

func (f *fakeLibvirt) createVolume(pool libvirt.StoragePool, xml string) (libvirt.StorageVol, error) {
	def := &libvirtxml.StorageVolume{}
	if err := def.Unmarshal(xml); err != nil {
		return libvirt.StorageVol{}, fmt.Errorf("invalid volume XML: %w", err)
	}
	if _, ok := f.volumes[pool.Name][def.Name]; ok {
		return libvirt.StorageVol{}, fmt.Errorf("storage volume already exists: %s", def.Name)
	}
	if def.BackingStore != nil {
		return libvirt.StorageVol{}, fmt.Errorf("unexpected backing store in %s", def.Name)
	}
	v := &fakeVolume{}
	if def.Capacity != nil {
		v.capacity = def.Capacity.Value
	}
	f.volumes[pool.Name][def.Name] = v
	return libvirt.StorageVol{Name: def.Name, Pool: pool.Name, Key: volPath(pool.Name, def.Name)}, nil
}

func (f *fakeLibvirt) StorageVolCreateXML(pool libvirt.StoragePool, xml string, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error) {
	return f.createVolume(pool, xml)
}

func (f *fakeLibvirt) StorageVolCreateXMLFrom(pool libvirt.StoragePool, xml string, clonevol libvirt.StorageVol, flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error) {
	vol, err := f.createVolume(pool, xml)
	if err != nil {
		return vol, err
	}
	f.copiedFrom = append(f.copiedFrom, clonevol.Name)
	return vol, nil
}

func (f *fakeLibvirt) StorageVolDelete(vol libvirt.StorageVol, flags libvirt.StorageVolDeleteFlags) error {
	if _, ok := f.volumes[vol.Pool][vol.Name]; !ok {
		return fmt.Errorf("storage volume not found: %s", vol.Name)
	}
	delete(f.volumes[vol.Pool], vol.Name)
	f.deletedVolumes = append(f.deletedVolumes, vol.Name)
	return nil
}

func (f *fakeLibvirt) StorageVolUpload(vol libvirt.StorageVol, r io.Reader, offset uint64, length uint64, flags libvirt.StorageVolUploadFlags) error {
	v, ok := f.volumes[vol.Pool][vol.Name]
	if !ok {
		return fmt.Errorf("storage volume not found: %s", vol.Name)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if uint64(len(data)) != length {
		return fmt.Errorf("short upload: got %d bytes, want %d", len(data), length)
	}
	v.data = data
	return nil
}

var _ libvirtAPI = (*fakeLibvirt)(nil)
