package proxmox

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/jbweber/autospawn/internal/hypervisor"
)

type session struct {
	d *Driver
}

type qemuEntry struct {
	VMID     int    `json:"vmid"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	Tags     string `json:"tags"`
	Template int    `json:"template"`
}

func (s *session) ListVMs(ctx context.Context) ([]hypervisor.VM, error) {
	var entries []qemuEntry
	if err := s.d.do(ctx, http.MethodGet, s.qemuPath(""), nil, &entries); err != nil {
		return nil, fmt.Errorf("failed to list VMs on node %s: %w", s.d.node, err)
	}

	vms := make([]hypervisor.VM, 0, len(entries))
	for _, e := range entries {
		if e.Template == 1 {
			continue
		}
		vms = append(vms, hypervisor.VM{
			ID:     e.VMID,
			Name:   e.Name,
			Status: e.Status,
			Tags:   splitTags(e.Tags),
		})
	}
	return vms, nil
}

func (s *session) ListVMIDs(ctx context.Context) ([]int, error) {
	var resources []struct {
		VMID int `json:"vmid"`
	}
	q := url.Values{"type": {"vm"}}
	if err := s.d.do(ctx, http.MethodGet, "/cluster/resources", q, &resources); err != nil {
		return nil, fmt.Errorf("failed to list cluster VM ids: %w", err)
	}

	ids := make([]int, 0, len(resources))
	for _, r := range resources {
		ids = append(ids, r.VMID)
	}
	return ids, nil
}

func (s *session) Clone(ctx context.Context, template, newID int, name, storage string) error {
	form := url.Values{
		"newid":   {strconv.Itoa(newID)},
		"name":    {name},
		"target":  {s.d.node},
		"full":    {"1"},
		"storage": {storage},
	}
	upid, err := s.post(ctx, s.qemuPath(strconv.Itoa(template))+"/clone", form)
	if err != nil {
		return fmt.Errorf("failed to clone %d to %d: %w", template, newID, err)
	}
	if err := s.d.waitTask(ctx, upid); err != nil {
		return fmt.Errorf("clone %d to %d: %w", template, newID, err)
	}
	return nil
}

func (s *session) Configure(ctx context.Context, id int, cfg hypervisor.InstanceConfig) error {
	form := url.Values{
		"ipconfig0":  {fmt.Sprintf("ip=%s,gw=%s", cfg.Address, cfg.Gateway)},
		"nameserver": {cfg.Nameserver.String()},
		"ciuser":     {cfg.User},
	}
	if cfg.Password != "" {
		form.Set("cipassword", cfg.Password)
	}
	if len(cfg.SSHKeys) > 0 {
		// The API expects sshkeys url-encoded a second time.
		form.Set("sshkeys", strings.ReplaceAll(url.QueryEscape(strings.Join(cfg.SSHKeys, "\n")), "+", "%20"))
	}
	if cfg.Tag != "" {
		form.Set("tags", cfg.Tag)
	}
	if cfg.Owner != "" {
		form.Set("description", "autospawn owner: "+cfg.Owner)
	}

	upid, err := s.post(ctx, s.qemuPath(strconv.Itoa(id))+"/config", form)
	if err != nil {
		return fmt.Errorf("failed to configure %d: %w", id, err)
	}
	if upid == "" {
		return nil
	}
	if err := s.d.waitTask(ctx, upid); err != nil {
		return fmt.Errorf("configure %d: %w", id, err)
	}
	return nil
}

func (s *session) Start(ctx context.Context, id int) error {
	return s.statusChange(ctx, id, "start")
}

func (s *session) Stop(ctx context.Context, id int) error {
	return s.statusChange(ctx, id, "stop")
}

func (s *session) Delete(ctx context.Context, id int) error {
	var upid string
	if err := s.d.do(ctx, http.MethodDelete, s.qemuPath(strconv.Itoa(id)), nil, &upid); err != nil {
		return fmt.Errorf("failed to delete %d: %w", id, err)
	}
	if err := s.d.waitTask(ctx, upid); err != nil {
		return fmt.Errorf("delete %d: %w", id, err)
	}
	return nil
}

func (s *session) Close() error {
	s.d.logger.Debug("closed proxmox session", zap.String("node", s.d.node))
	return nil
}

func (s *session) statusChange(ctx context.Context, id int, action string) error {
	upid, err := s.post(ctx, fmt.Sprintf("%s/status/%s", s.qemuPath(strconv.Itoa(id)), action), nil)
	if err != nil {
		return fmt.Errorf("failed to %s %d: %w", action, id, err)
	}
	if err := s.d.waitTask(ctx, upid); err != nil {
		return fmt.Errorf("%s %d: %w", action, id, err)
	}
	return nil
}

func (s *session) post(ctx context.Context, path string, form url.Values) (string, error) {
	var upid string
	if err := s.d.do(ctx, http.MethodPost, path, form, &upid); err != nil {
		return "", err
	}
	return upid, nil
}

// qemuPath returns /nodes/{node}/qemu or /nodes/{node}/qemu/{vmid}.
func (s *session) qemuPath(vmid string) string {
	p := "/nodes/" + url.PathEscape(s.d.node) + "/qemu"
	if vmid != "" {
		p += "/" + vmid
	}
	return p
}

// splitTags parses the Proxmox tag list, which may be separated by ';', ',' or spaces.
func splitTags(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool {
		return r == ';' || r == ',' || r == ' '
	})
}

var _ hypervisor.Session = (*session)(nil)
