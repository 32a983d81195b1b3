// Package libvirt implements the hypervisor contract against a local
// libvirt daemon.
//
// libvirt has no persistent numeric VM id, so autospawn keeps the id, the
// owner and the ownership tags in a custom metadata element on each domain
// (see metadata.go). The template is the domain whose metadata id equals
// template_id; operators tag it once with virsh metadata.
package libvirt

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
	"go.uber.org/zap"

	"github.com/jbweber/autospawn/internal/hypervisor"
)

// connectTimeout bounds the socket dial.
const connectTimeout = 5 * time.Second

// libvirtAPI is the subset of *libvirt.Libvirt the backend uses.
//
// In production, this is satisfied by *libvirt.Libvirt directly.
// In tests, this is satisfied by mock implementations.
type libvirtAPI interface {
	ConnectGetLibVersion() (uint64, error)
	Disconnect() error

	ConnectListAllDomains(NeedResults int32, Flags libvirt.ConnectListAllDomainsFlags) ([]libvirt.Domain, uint32, error)
	DomainGetState(Dom libvirt.Domain, Flags uint32) (int32, int32, error)
	DomainGetXMLDesc(Dom libvirt.Domain, Flags libvirt.DomainXMLFlags) (string, error)
	DomainGetMetadata(Dom libvirt.Domain, Type int32, URI libvirt.OptString, Flags libvirt.DomainModificationImpact) (string, error)
	DomainSetMetadata(Dom libvirt.Domain, Type int32, Metadata libvirt.OptString, Key libvirt.OptString, URI libvirt.OptString, Flags libvirt.DomainModificationImpact) error
	DomainDefineXML(XML string) (libvirt.Domain, error)
	DomainCreate(Dom libvirt.Domain) error
	DomainDestroy(Dom libvirt.Domain) error
	DomainUndefineFlags(Dom libvirt.Domain, Flags libvirt.DomainUndefineFlagsValues) error

	StoragePoolLookupByName(Name string) (libvirt.StoragePool, error)
	StoragePoolListAllVolumes(Pool libvirt.StoragePool, NeedResults int32, Flags uint32) ([]libvirt.StorageVol, uint32, error)
	StorageVolLookupByName(Pool libvirt.StoragePool, Name string) (libvirt.StorageVol, error)
	StorageVolLookupByPath(Path string) (libvirt.StorageVol, error)
	StorageVolGetInfo(Vol libvirt.StorageVol) (int8, uint64, uint64, error)
	StorageVolCreateXML(Pool libvirt.StoragePool, XML string, Flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error)
	StorageVolCreateXMLFrom(Pool libvirt.StoragePool, XML string, Clonevol libvirt.StorageVol, Flags libvirt.StorageVolCreateFlags) (libvirt.StorageVol, error)
	StorageVolDelete(Vol libvirt.StorageVol, Flags libvirt.StorageVolDeleteFlags) error
	StorageVolUpload(Vol libvirt.StorageVol, outStream io.Reader, Offset uint64, Length uint64, Flags libvirt.StorageVolUploadFlags) error
}

// Driver opens sessions on the local libvirt socket.
type Driver struct {
	socket string
	bridge string
	logger *zap.Logger

	// dial is replaced in tests.
	dial func(ctx context.Context) (libvirtAPI, error)
}

// New returns a Driver for socket. bridge is used for the network
// interface when a template has none.
func New(socket, bridge string, logger *zap.Logger) *Driver {
	d := &Driver{socket: socket, bridge: bridge, logger: logger}
	d.dial = d.connect
	return d
}

// Connect dials libvirt and verifies the connection is alive.
func (d *Driver) Connect(ctx context.Context) (hypervisor.Session, error) {
	l, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := l.ConnectGetLibVersion(); err != nil {
		_ = l.Disconnect()
		return nil, fmt.Errorf("libvirt connection is dead: %w", err)
	}
	return &session{l: l, bridge: d.bridge, logger: d.logger}, nil
}

// connect dials the socket, giving up early if ctx is cancelled.
func (d *Driver) connect(ctx context.Context) (libvirtAPI, error) {
	type result struct {
		l   *libvirt.Libvirt
		err error
	}
	resultCh := make(chan result, 1)

	go func() {
		dialer := dialers.NewLocal(
			dialers.WithSocket(d.socket),
			dialers.WithLocalTimeout(connectTimeout),
		)
		l := libvirt.NewWithDialer(dialer)
		if err := l.Connect(); err != nil {
			resultCh <- result{err: fmt.Errorf("failed to connect to libvirt at %s: %w", d.socket, err)}
			return
		}
		resultCh <- result{l: l}
	}()

	select {
	case <-ctx.Done():
		// Reap the dial so a late connection is not leaked.
		go func() {
			if res := <-resultCh; res.l != nil {
				_ = res.l.Disconnect()
			}
		}()
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		return res.l, nil
	}
}

var _ hypervisor.Driver = (*Driver)(nil)
