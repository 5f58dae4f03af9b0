package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/almond-mart/almond-trainer/internal/metrics"
	"github.com/almond-mart/almond-trainer/pkg/models"
)

const (
	defaultBaseURL  = "https://marketplace.tensordock.com/api/v0"
	defaultTimeout  = 30 * time.Second
	defaultRetryMax = 3
)

// Client talks to the TensorDock marketplace v0 API
type Client struct {
	apiKey   string
	apiToken string
	baseURL  string
	timeout  time.Duration
	retryMax int
	logger   *slog.Logger

	// retrying is used for idempotent reads, plain for deploy
	retrying *http.Client
	plain    *http.Client

	limiter *rate.Limiter
}

// ClientOption configures the marketplace client
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL (for testing)
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(url, "/")
	}
}

// WithTimeout sets the per-request timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetryMax sets how many times idempotent requests are retried on
// connection errors and 5xx responses
func WithRetryMax(n int) ClientOption {
	return func(c *Client) {
		c.retryMax = n
	}
}

// WithRateLimit sets the maximum request rate (requests per second)
func WithRateLimit(rps float64) ClientOption {
	return func(c *Client) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new marketplace client
func NewClient(apiKey, apiToken string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:   apiKey,
		apiToken: apiToken,
		baseURL:  defaultBaseURL,
		timeout:  defaultTimeout,
		retryMax: defaultRetryMax,
		logger:   slog.Default(),
		limiter:  rate.NewLimiter(rate.Limit(1), 1), // 1 request per second
	}

	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = c.retryMax
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.HTTPClient.Timeout = c.timeout
	retryClient.Logger = nil
	// Hand the final response back instead of a "giving up" error so status
	// codes are mapped by handleError
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	c.retrying = retryClient.StandardClient()
	c.plain = &http.Client{Timeout: c.timeout}

	return c
}

// ListOfferings returns host nodes satisfying the numeric minimums of req.
// GPU model and uptime filtering is left to the selector.
func (c *Client) ListOfferings(ctx context.Context, req models.ResourceRequirement) ([]models.Offering, error) {
	q := url.Values{}
	q.Set("minvCPUs", strconv.Itoa(req.CPUs))
	q.Set("minRAM", strconv.Itoa(req.RAMGiB))
	q.Set("minStorage", strconv.Itoa(req.StorageGiB))
	q.Set("minGPUCount", strconv.Itoa(req.GPUCount))
	q.Set("maxGPUCount", strconv.Itoa(req.GPUCount))
	q.Set("minVRAM", strconv.Itoa(req.MinVRAMGiB))

	var result HostnodesResponse
	if err := c.get(ctx, "ListOfferings", "/client/deploy/hostnodes?"+q.Encode(), &result); err != nil {
		return nil, err
	}

	// Map iteration order is random; sort node ids so ties resolve the same way every call
	ids := make([]string, 0, len(result.Hostnodes))
	for id := range result.Hostnodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	offerings := make([]models.Offering, 0, len(ids))
	for _, id := range ids {
		offerings = append(offerings, hostnodeToOffering(id, result.Hostnodes[id]))
	}

	c.logger.Debug("listed offerings", slog.Int("count", len(offerings)))
	return offerings, nil
}

// Balance returns the account balance and current hourly spend
func (c *Client) Balance(ctx context.Context) (*models.Balance, error) {
	var result BalanceResponse
	if err := c.postForm(ctx, c.retrying, "Balance", "/billing/balance", c.authForm(), &result); err != nil {
		return nil, err
	}
	return &models.Balance{Balance: result.Balance, HourlyCost: result.HourlyCost}, nil
}

// DeployRequest carries everything needed to deploy a VM on a host node
type DeployRequest struct {
	Name         string
	SSHPublicKey string
	NodeID       string
	ExternalPort int
	InternalPort int
	Requirement  models.ResourceRequirement
}

// Deploy requests a VM on the given host node. Deploys are never retried.
func (c *Client) Deploy(ctx context.Context, req DeployRequest) (*models.ProvisionedInstance, error) {
	if req.NodeID == "" {
		return nil, fmt.Errorf("node id cannot be empty")
	}
	if req.SSHPublicKey == "" {
		return nil, fmt.Errorf("ssh public key cannot be empty")
	}
	internal := req.InternalPort
	if internal == 0 {
		internal = models.SSHInternalPort
	}

	form := c.authForm()
	form.Set("ssh_key", req.SSHPublicKey)
	form.Set("name", req.Name)
	form.Set("gpu_count", strconv.Itoa(req.Requirement.GPUCount))
	form.Set("gpu_model", req.Requirement.GPUModel)
	form.Set("vcpus", strconv.Itoa(req.Requirement.CPUs))
	form.Set("ram", strconv.Itoa(req.Requirement.RAMGiB))
	form.Set("storage", strconv.Itoa(req.Requirement.StorageGiB))
	form.Set("hostnode", req.NodeID)
	form.Set("operating_system", req.Requirement.OperatingSystem)
	form.Set("external_ports", setLiteral(req.ExternalPort))
	form.Set("internal_ports", setLiteral(internal))

	var result DeployResponse
	if err := c.postForm(ctx, c.plain, "Deploy", "/client/deploy/single", form, &result); err != nil {
		return nil, err
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "deploy was not successful"
		}
		return nil, NewAPIError("Deploy", 0, msg, ErrRejected)
	}

	c.logger.Debug("deploy accepted",
		slog.String("node_id", req.NodeID),
		slog.String("server", result.Server))

	port := sshPort(result.PortForwards)
	if port == 0 {
		port = req.ExternalPort
	}

	return &models.ProvisionedInstance{
		NodeID:     req.NodeID,
		InstanceID: result.Server,
		Status:     models.InstancePending,
		IP:         result.IP,
		Port:       port,
	}, nil
}

// InstanceStatus returns the current status of a deployed VM.
// IP and SSHUser are only meaningful once Status is running.
func (c *Client) InstanceStatus(ctx context.Context, id string) (*models.ProvisionedInstance, error) {
	form := c.authForm()
	form.Set("server", id)

	var result VirtualMachineResponse
	if err := c.postForm(ctx, c.retrying, "InstanceStatus", "/client/get/single", form, &result); err != nil {
		return nil, err
	}
	if !result.Success && result.Error != "" {
		if strings.Contains(strings.ToLower(result.Error), "not found") {
			return nil, NewAPIError("InstanceStatus", 0, result.Error, ErrInstanceNotFound)
		}
		return nil, NewAPIError("InstanceStatus", 0, result.Error, ErrAPI)
	}

	vm := result.VirtualMachine
	inst := &models.ProvisionedInstance{
		InstanceID: id,
		Status:     models.ParseInstanceStatus(vm.Status),
		IP:         vm.IPAddress,
		SSHUser:    vm.DefaultUser,
		Port:       sshPort(vm.PortForwards),
	}

	return inst, nil
}

// sshPort finds the external port forwarded to sshd. port_forwards maps
// external -> internal. Returns 0 when no forward points at sshd.
func sshPort(forwards map[string]Port) int {
	for external, internal := range forwards {
		if int(internal) != models.SSHInternalPort {
			continue
		}
		if p, err := strconv.Atoi(external); err == nil {
			return p
		}
	}
	return 0
}

// DeleteInstance tears down a deployed VM
func (c *Client) DeleteInstance(ctx context.Context, id string) error {
	form := c.authForm()
	form.Set("server", id)

	var result ActionResponse
	if err := c.postForm(ctx, c.retrying, "DeleteInstance", "/client/delete/single", form, &result); err != nil {
		return err
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "delete was not successful"
		}
		return NewAPIError("DeleteInstance", 0, msg, ErrAPI)
	}
	return nil
}

func (c *Client) authForm() url.Values {
	form := url.Values{}
	form.Set("api_key", c.apiKey)
	form.Set("api_token", c.apiToken)
	return form
}

func (c *Client) get(ctx context.Context, operation, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(c.retrying, req, operation, out)
}

func (c *Client) postForm(ctx context.Context, hc *http.Client, operation, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return c.do(hc, req, operation, out)
}

func (c *Client) do(hc *http.Client, req *http.Request, operation string, out any) error {
	if err := c.limiter.Wait(req.Context()); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		metrics.RecordMarketplaceCall(operation, "error", time.Since(start))
		return fmt.Errorf("%s request failed: %w", operation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.RecordMarketplaceCall(operation, "error", time.Since(start))
		return c.handleError(resp, operation)
	}
	metrics.RecordMarketplaceCall(operation, "success", time.Since(start))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w (body: %s)", operation, err, truncate(string(body), 200))
	}
	return nil
}

// handleError converts HTTP errors to API errors
func (c *Client) handleError(resp *http.Response, operation string) error {
	body, _ := io.ReadAll(resp.Body)
	message := strings.TrimSpace(string(body))

	var baseErr error
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		baseErr = ErrRateLimit
	case http.StatusUnauthorized, http.StatusForbidden:
		baseErr = ErrAuth
	case http.StatusNotFound:
		baseErr = ErrInstanceNotFound
	default:
		baseErr = ErrAPI
	}
	if operation == "Deploy" && baseErr == ErrAPI && resp.StatusCode < 500 {
		baseErr = ErrRejected
	}

	return NewAPIError(operation, resp.StatusCode, message, baseErr)
}

// hostnodeToOffering converts a marketplace host node into an Offering
func hostnodeToOffering(id string, h Hostnode) models.Offering {
	gpus := make(map[string]models.GPUPrice, len(h.Specs.GPU))
	for model, spec := range h.Specs.GPU {
		gpus[model] = models.GPUPrice{Price: spec.Price, Amount: spec.Amount, VRAM: spec.VRAM}
	}

	ports := make([]int, 0, len(h.Networking.Ports))
	for _, p := range h.Networking.Ports {
		ports = append(ports, int(p))
	}

	var parts []string
	for _, part := range []string{h.Location.City, h.Location.Region, h.Location.Country} {
		if part != "" {
			parts = append(parts, part)
		}
	}

	return models.Offering{
		NodeID:       id,
		CPUPrice:     h.Specs.CPU.Price,
		RAMPrice:     h.Specs.RAM.Price,
		StoragePrice: h.Specs.Storage.Price,
		GPUPrices:    gpus,
		Uptime:       h.Status.Uptime,
		Ports:        ports,
		Location:     strings.Join(parts, ", "),
	}
}

// setLiteral renders a port as the marketplace's set syntax, e.g. {22}
func setLiteral(port int) string {
	return "{" + strconv.Itoa(port) + "}"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
