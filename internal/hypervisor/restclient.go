package hypervisor

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// RESTClient implements Client against the control plane's JSON API.
// It logs in with ticket authentication and refreshes the ticket
// before it expires.
type RESTClient struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	logger   *zap.Logger

	mu         sync.Mutex
	ticket     string
	csrfToken  string
	ticketFrom time.Time
}

// ticketLifetime is how long a login ticket is trusted before
// re-authenticating. The server side expires tickets after two hours;
// one hour keeps a wide margin.
const ticketLifetime = time.Hour

// RESTConfig configures a RESTClient.
type RESTConfig struct {
	// BaseURL is the API root, e.g. https://cluster.example:8006.
	BaseURL  string
	Username string
	Password string

	// InsecureSkipVerify disables TLS verification for development
	// clusters with self-signed certificates.
	InsecureSkipVerify bool
}

// NewRESTClient creates a client. The first API call triggers login.
func NewRESTClient(cfg RESTConfig, logger *zap.Logger) *RESTClient {
	transport := http.DefaultTransport
	if cfg.InsecureSkipVerify {
		logger.Warn("hypervisor TLS certificate verification disabled")
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}

	return &RESTClient{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/") + "/api2/json",
		username: cfg.Username,
		password: cfg.Password,
		http:     &http.Client{Transport: transport, Timeout: 30 * time.Second},
		logger:   logger,
	}
}

func (c *RESTClient) ensureTicket(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.ticketFrom) < ticketLifetime {
		return nil
	}

	c.logger.Info("logging into hypervisor API", zap.String("user", c.username))

	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/access/ticket", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login: status %s", resp.Status)
	}

	var body struct {
		Data struct {
			Ticket    string `json:"ticket"`
			CSRFToken string `json:"CSRFPreventionToken"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("login: decode: %w", err)
	}
	if body.Data.Ticket == "" {
		return fmt.Errorf("login: empty ticket")
	}

	c.ticket = body.Data.Ticket
	c.csrfToken = body.Data.CSRFToken
	c.ticketFrom = time.Now()
	return nil
}

// do performs an authenticated request and decodes the JSON response
// into out (when non-nil).
func (c *RESTClient) do(ctx context.Context, method, path string, params url.Values, out any) error {
	if err := c.ensureTicket(ctx); err != nil {
		return err
	}

	var body io.Reader
	fullURL := c.baseURL + path
	if params != nil {
		if method == http.MethodGet {
			fullURL += "?" + params.Encode()
		} else {
			body = strings.NewReader(params.Encode())
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return err
	}

	c.mu.Lock()
	req.AddCookie(&http.Cookie{Name: "PVEAuthCookie", Value: c.ticket})
	if method != http.MethodGet {
		req.Header.Set("CSRFPreventionToken", c.csrfToken)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	c.mu.Unlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %s: %s", method, path, resp.Status, strings.TrimSpace(string(raw)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

// taskResponse is the common "data is a task id" response shape.
type taskResponse struct {
	Data string `json:"data"`
}

func qemuPath(ref Ref, suffix string) string {
	p := fmt.Sprintf("/nodes/%s/qemu/%d", ref.Node, ref.VMID)
	if suffix != "" {
		p += "/" + suffix
	}
	return p
}

func (c *RESTClient) Resources(ctx context.Context) ([]Resource, error) {
	var body struct {
		Data []struct {
			Type     string  `json:"type"`
			Name     string  `json:"name"`
			Node     string  `json:"node"`
			VMID     int     `json:"vmid"`
			Status   string  `json:"status"`
			CPU      float64 `json:"cpu"`
			Mem      int64   `json:"mem"`
			MaxMem   int64   `json:"maxmem"`
			Uptime   int64   `json:"uptime"`
			NetIn    int64   `json:"netin"`
			NetOut   int64   `json:"netout"`
			Disk     int64   `json:"disk"`
			MaxDisk  int64   `json:"maxdisk"`
			Template int     `json:"template"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/cluster/resources", nil, &body); err != nil {
		return nil, err
	}

	var out []Resource
	for _, r := range body.Data {
		if r.Type != "qemu" {
			continue
		}
		out = append(out, Resource{
			Name:     r.Name,
			Node:     r.Node,
			VMID:     r.VMID,
			Status:   r.Status,
			CPU:      r.CPU,
			Mem:      r.Mem,
			MaxMem:   r.MaxMem,
			Uptime:   r.Uptime,
			NetIn:    r.NetIn,
			NetOut:   r.NetOut,
			Disk:     r.Disk,
			MaxDisk:  r.MaxDisk,
			Template: r.Template == 1,
		})
	}
	return out, nil
}

func (c *RESTClient) Tasks(ctx context.Context) ([]Task, error) {
	var body struct {
		Data []struct {
			UPID   string `json:"upid"`
			Node   string `json:"node"`
			Type   string `json:"type"`
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/cluster/tasks", nil, &body); err != nil {
		return nil, err
	}

	out := make([]Task, 0, len(body.Data))
	for _, t := range body.Data {
		out = append(out, Task{UPID: t.UPID, Node: t.Node, Type: t.Type, Status: t.Status})
	}
	return out, nil
}

func (c *RESTClient) Status(ctx context.Context, ref Ref) (VMStatus, error) {
	var body struct {
		Data struct {
			Status string  `json:"status"`
			CPU    float64 `json:"cpu"`
			Mem    int64   `json:"mem"`
			MaxMem int64   `json:"maxmem"`
			Uptime int64   `json:"uptime"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, qemuPath(ref, "status/current"), nil, &body); err != nil {
		return VMStatus{}, err
	}
	return VMStatus{
		Status: body.Data.Status,
		CPU:    body.Data.CPU,
		Mem:    body.Data.Mem,
		MaxMem: body.Data.MaxMem,
		Uptime: body.Data.Uptime,
	}, nil
}

func (c *RESTClient) Config(ctx context.Context, ref Ref) (map[string]string, error) {
	var body struct {
		Data map[string]any `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, qemuPath(ref, "config"), nil, &body); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(body.Data))
	for k, v := range body.Data {
		out[k] = fmt.Sprint(v)
	}
	return out, nil
}

func (c *RESTClient) SetNetworkConfig(ctx context.Context, ref Ref, nics []NIC, ipconfigs []IPConfig) error {
	params := url.Values{}
	for i, nic := range nics {
		fw := 0
		if nic.Firewall {
			fw = 1
		}
		params.Set(fmt.Sprintf("net%d", i),
			fmt.Sprintf("%s,bridge=%s,firewall=%d", nic.Model, nic.Bridge, fw))
	}
	for i, ipc := range ipconfigs {
		params.Set(fmt.Sprintf("ipconfig%d", i),
			fmt.Sprintf("ip=%s,gw=%s", ipc.IPv4CIDR, ipc.Gateway))
	}
	return c.do(ctx, http.MethodPut, qemuPath(ref, "config"), params, nil)
}

func (c *RESTClient) DeleteConfigKeys(ctx context.Context, ref Ref, keys []string) error {
	params := url.Values{}
	params.Set("delete", strings.Join(keys, ","))
	return c.do(ctx, http.MethodPut, qemuPath(ref, "config"), params, nil)
}

func (c *RESTClient) Create(ctx context.Context, ref Ref, p CreateParams) (string, error) {
	params := url.Values{}
	params.Set("vmid", strconv.Itoa(ref.VMID))
	params.Set("name", p.Name)
	params.Set("description", p.Description)
	params.Set("cores", strconv.Itoa(p.Cores))
	params.Set("sockets", strconv.Itoa(p.Sockets))
	params.Set("memory", strconv.FormatInt(p.MemoryMB, 10))
	params.Set("cpu", p.CPUType)
	params.Set("ostype", p.OSType)
	params.Set("bios", p.BIOS)
	params.Set("bootdisk", p.BootDisk)
	params.Set("scsihw", p.SCSIHW)
	params.Set("net0", p.Net0)
	params.Set("onboot", boolParam(p.OnBoot))
	params.Set("agent", p.Agent)
	params.Set("ide2", p.IDE2)
	params.Set("cicustom", p.CICustom)
	params.Set("virtio0", p.VirtIO0)
	if p.EFIDisk0 != "" {
		params.Set("efidisk0", p.EFIDisk0)
	}

	var body taskResponse
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/nodes/%s/qemu", ref.Node), params, &body); err != nil {
		return "", err
	}
	if body.Data == "" {
		return "", fmt.Errorf("create vm %d: no task id in response", ref.VMID)
	}
	return body.Data, nil
}

func (c *RESTClient) Delete(ctx context.Context, ref Ref) (string, error) {
	var body taskResponse
	if err := c.do(ctx, http.MethodDelete, qemuPath(ref, ""), nil, &body); err != nil {
		return "", err
	}
	return body.Data, nil
}

func (c *RESTClient) ResizeDisk(ctx context.Context, ref Ref, disk, size string) error {
	params := url.Values{}
	params.Set("disk", disk)
	params.Set("size", size)
	return c.do(ctx, http.MethodPut, qemuPath(ref, "resize"), params, nil)
}

func (c *RESTClient) Power(ctx context.Context, ref Ref, action PowerAction) (string, error) {
	var body taskResponse
	if err := c.do(ctx, http.MethodPost, qemuPath(ref, "status/"+string(action)), nil, &body); err != nil {
		return "", err
	}
	return body.Data, nil
}

func (c *RESTClient) CreateIPSet(ctx context.Context, ref Ref, name string) error {
	params := url.Values{}
	params.Set("name", name)
	return c.do(ctx, http.MethodPost, qemuPath(ref, "firewall/ipset"), params, nil)
}

func (c *RESTClient) AddToIPSet(ctx context.Context, ref Ref, ipset, cidr string) error {
	params := url.Values{}
	params.Set("cidr", cidr)
	return c.do(ctx, http.MethodPost, qemuPath(ref, "firewall/ipset/"+ipset), params, nil)
}

func (c *RESTClient) SetFirewallOptions(ctx context.Context, ref Ref, opts FirewallOptions) error {
	params := url.Values{}
	params.Set("enable", boolParam(opts.Enable))
	params.Set("policy_in", opts.PolicyIn)
	params.Set("policy_out", opts.PolicyOut)
	return c.do(ctx, http.MethodPut, qemuPath(ref, "firewall/options"), params, nil)
}

func (c *RESTClient) AddFirewallRule(ctx context.Context, ref Ref, rule FirewallRule) error {
	params := url.Values{}
	params.Set("action", rule.Action)
	params.Set("type", rule.Type)
	params.Set("enable", boolParam(rule.Enable))
	if rule.Source != "" {
		params.Set("source", rule.Source)
	}
	if rule.Dest != "" {
		params.Set("dest", rule.Dest)
	}
	return c.do(ctx, http.MethodPost, qemuPath(ref, "firewall/rules"), params, nil)
}

func (c *RESTClient) ListStorage(ctx context.Context, node, storage string) ([]StorageFile, error) {
	var body struct {
		Data []struct {
			VolID   string `json:"volid"`
			Size    int64  `json:"size"`
			Content string `json:"content"`
		} `json:"data"`
	}
	path := fmt.Sprintf("/nodes/%s/storage/%s/content", node, storage)
	if err := c.do(ctx, http.MethodGet, path, nil, &body); err != nil {
		return nil, err
	}

	out := make([]StorageFile, 0, len(body.Data))
	for _, f := range body.Data {
		fileName := f.VolID
		if idx := strings.LastIndex(f.VolID, "/"); idx >= 0 {
			fileName = f.VolID[idx+1:]
		}
		out = append(out, StorageFile{
			VolID:    f.VolID,
			FileName: fileName,
			Size:     f.Size,
			Content:  f.Content,
		})
	}
	return out, nil
}

func (c *RESTClient) DownloadURL(ctx context.Context, node, storage, fileName, downloadURL string) (string, error) {
	params := url.Values{}
	params.Set("filename", fileName)
	params.Set("content", "iso")
	params.Set("url", downloadURL)
	params.Set("verify-certificates", "0")

	var body taskResponse
	path := fmt.Sprintf("/nodes/%s/storage/%s/download-url", node, storage)
	if err := c.do(ctx, http.MethodPost, path, params, &body); err != nil {
		return "", err
	}
	if body.Data == "" {
		return "", fmt.Errorf("download %s: no task id in response", fileName)
	}
	return body.Data, nil
}

func (c *RESTClient) AgentPing(ctx context.Context, ref Ref) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.do(ctx, http.MethodPost, qemuPath(ref, "agent/ping"), nil, nil)
}

func (c *RESTClient) AgentExec(ctx context.Context, ref Ref, command, input string) error {
	params := url.Values{}
	params.Set("command", command)
	params.Set("input-data", input)
	return c.do(ctx, http.MethodPost, qemuPath(ref, "agent/exec"), params, nil)
}

func (c *RESTClient) AgentSetPassword(ctx context.Context, ref Ref, username, password string) error {
	params := url.Values{}
	params.Set("username", username)
	params.Set("password", password)
	return c.do(ctx, http.MethodPost, qemuPath(ref, "agent/set-user-password"), params, nil)
}

func boolParam(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

var _ Client = (*RESTClient)(nil)
