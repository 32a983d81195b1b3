package naming

import "testing"

func TestResourceName(t *testing.T) {
	tests := []struct {
		prefix string
		owner  string
		want   string
	}{
		{"auto", "alice", "auto-alice"},
		{"auto", "Alice", "auto-alice"},
		{"lab", "BOB.SMITH", "lab-bob.smith"},
		{"auto", "", "auto-"},
	}

	for _, tt := range tests {
		t.Run(tt.prefix+"/"+tt.owner, func(t *testing.T) {
			if got := ResourceName(tt.prefix, tt.owner); got != tt.want {
				t.Errorf("ResourceName() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsManaged(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"auto-alice", true},
		{"auto-bob", true},
		{"autobuild", false},
		{"autobuild-x", false},
		{"auto", false},
		{"other-vm", false},
		{"", false},
		{"Auto-alice", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsManaged("auto", tt.name); got != tt.want {
				t.Errorf("IsManaged(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestOwnerFromName(t *testing.T) {
	tests := []struct {
		name   string
		want   string
		wantOK bool
	}{
		{"auto-alice", "alice", true},
		{"auto-", "", false},
		{"autobuild", "", false},
		{"other-vm", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := OwnerFromName("auto", tt.name)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("OwnerFromName(%q) = (%q, %v), want (%q, %v)", tt.name, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestMACFromIP(t *testing.T) {
	tests := []struct {
		name    string
		ip      string
		want    string
		wantErr bool
	}{
		{
			name: "basic IP",
			ip:   "192.168.220.55",
			want: "be:ef:c0:a8:dc:37",
		},
		{
			name: "IP with CIDR",
			ip:   "10.250.250.10/24",
			want: "be:ef:0a:fa:fa:0a",
		},
		{
			name: "zero octets",
			ip:   "10.0.0.1",
			want: "be:ef:0a:00:00:01",
		},
		{
			name:    "invalid IP",
			ip:      "not-an-ip",
			wantErr: true,
		},
		{
			name:    "IPv6 address",
			ip:      "2001:db8::1",
			wantErr: true,
		},
		{
			name:    "invalid CIDR",
			ip:      "10.1.2.3/99",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MACFromIP(tt.ip)
			if (err != nil) != tt.wantErr {
				t.Errorf("MACFromIP() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("MACFromIP() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestVolumeNames(t *testing.T) {
	if got := VolumeNameBoot("auto-alice"); got != "auto-alice_boot.qcow2" {
		t.Errorf("VolumeNameBoot() = %v", got)
	}
	if got := VolumeNameCloudInit("auto-alice"); got != "auto-alice_cloudinit.iso" {
		t.Errorf("VolumeNameCloudInit() = %v", got)
	}
	if got := VolumePrefix("auto-alice"); got != "auto-alice_" {
		t.Errorf("VolumePrefix() = %v", got)
	}
}
