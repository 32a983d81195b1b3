package cloudinit

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/kdomanski/iso9660"
)

// seedLabel is the volume label the NoCloud datasource looks for.
const seedLabel = "CIDATA"

// GenerateISO builds the NoCloud seed image holding user-data, meta-data
// and network-config in its root directory.
func GenerateISO(inst *Instance) ([]byte, error) {
	if inst == nil {
		return nil, fmt.Errorf("instance cannot be nil")
	}

	userData, err := GenerateUserData(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to generate user-data: %w", err)
	}

	metaData, err := GenerateMetaData(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to generate meta-data: %w", err)
	}

	networkConfig, err := GenerateNetworkConfig(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to generate network-config: %w", err)
	}

	writer, err := iso9660.NewWriter()
	if err != nil {
		return nil, fmt.Errorf("failed to create ISO writer: %w", err)
	}
	defer func() { _ = writer.Cleanup() }()

	files := []struct {
		name    string
		content string
	}{
		{"user-data", userData},
		{"meta-data", metaData},
		{"network-config", networkConfig},
	}
	for _, f := range files {
		if err := writer.AddFile(strings.NewReader(f.content), f.name); err != nil {
			return nil, fmt.Errorf("failed to add %s: %w", f.name, err)
		}
	}

	var buf bytes.Buffer
	if err := writer.WriteTo(&buf, seedLabel); err != nil {
		return nil, fmt.Errorf("failed to write ISO image: %w", err)
	}

	return buf.Bytes(), nil
}
