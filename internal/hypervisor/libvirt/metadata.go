package libvirt

import (
	"encoding/xml"
	"errors"
	"fmt"

	"github.com/digitalocean/go-libvirt"
	"gopkg.in/yaml.v3"
)

const (
	// metadataNamespace is the XML namespace of the autospawn metadata element.
	metadataNamespace = "https://github.com/jbweber/autospawn/v1"

	// metadataKey is the element prefix used when writing the metadata.
	metadataKey = "autospawn"
)

// Metadata is what autospawn persists on each domain it manages.
type Metadata struct {
	ID    int      `yaml:"id"`
	Owner string   `yaml:"owner,omitempty"`
	Tags  []string `yaml:"tags,omitempty"`
}

// metadataElement wraps the YAML so it stays readable in `virsh dumpxml`.
type metadataElement struct {
	XMLName xml.Name `xml:"instance"`
	Xmlns   string   `xml:"xmlns,attr"`
	Body    string   `xml:",chardata"`
}

// storeMetadata replaces the autospawn metadata on a domain's persistent config.
func storeMetadata(l libvirtAPI, dom libvirt.Domain, md Metadata) error {
	body, err := yaml.Marshal(md)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata to YAML: %w", err)
	}

	xmlData, err := xml.Marshal(metadataElement{Xmlns: metadataNamespace, Body: string(body)})
	if err != nil {
		return fmt.Errorf("failed to marshal metadata to XML: %w", err)
	}

	err = l.DomainSetMetadata(
		dom,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{string(xmlData)},
		libvirt.OptString{metadataKey},
		libvirt.OptString{metadataNamespace},
		libvirt.DomainAffectConfig,
	)
	if err != nil {
		return fmt.Errorf("failed to set domain metadata on %s: %w", dom.Name, err)
	}
	return nil
}

// loadMetadata reads the autospawn metadata. ok is false when the domain has none.
func loadMetadata(l libvirtAPI, dom libvirt.Domain) (md Metadata, ok bool, err error) {
	raw, err := l.DomainGetMetadata(
		dom,
		int32(libvirt.DomainMetadataElement),
		libvirt.OptString{metadataNamespace},
		libvirt.DomainAffectConfig,
	)
	if err != nil {
		if isNoMetadata(err) {
			return Metadata{}, false, nil
		}
		return Metadata{}, false, fmt.Errorf("failed to get domain metadata for %s: %w", dom.Name, err)
	}

	var el metadataElement
	if err := xml.Unmarshal([]byte(raw), &el); err != nil {
		return Metadata{}, false, fmt.Errorf("failed to unmarshal metadata XML for %s: %w", dom.Name, err)
	}
	if err := yaml.Unmarshal([]byte(el.Body), &md); err != nil {
		return Metadata{}, false, fmt.Errorf("failed to unmarshal metadata YAML for %s: %w", dom.Name, err)
	}
	return md, md.ID != 0, nil
}

// isNoMetadata reports whether err is libvirt's "no such metadata" error,
// returned for every domain autospawn has not tagged.
func isNoMetadata(err error) bool {
	var lerr libvirt.Error
	return errors.As(err, &lerr) && lerr.Code == uint32(libvirt.ErrNoDomainMetadata)
}
