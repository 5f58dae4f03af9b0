package provisioner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/almond-mart/almond-trainer/internal/logging"
	"github.com/almond-mart/almond-trainer/internal/marketplace"
	"github.com/almond-mart/almond-trainer/internal/metrics"
	"github.com/almond-mart/almond-trainer/internal/poll"
	"github.com/almond-mart/almond-trainer/internal/service/inventory"
	"github.com/almond-mart/almond-trainer/internal/ssh"
	"github.com/almond-mart/almond-trainer/pkg/models"
)

const (
	// DefaultPollInterval is the fixed interval between instance status polls
	DefaultPollInterval = 5 * time.Second

	// DefaultRebootSettleDelay is how long to wait after requesting a reboot
	// before polling the instance again
	DefaultRebootSettleDelay = 5 * time.Second

	// DefaultMaxReboots caps GPU recovery reboots per run
	DefaultMaxReboots = 1

	// DefaultCleanupTimeout bounds the delete call made after cancellation
	DefaultCleanupTimeout = time.Minute

	// DefaultSSHUser is used when the marketplace does not report a login user
	DefaultSSHUser = "user"
)

// Catalog is the part of the marketplace client the controller drives
type Catalog interface {
	Balance(ctx context.Context) (*models.Balance, error)
	Deploy(ctx context.Context, req marketplace.DeployRequest) (*models.ProvisionedInstance, error)
	InstanceStatus(ctx context.Context, id string) (*models.ProvisionedInstance, error)
	DeleteInstance(ctx context.Context, id string) error
}

// OfferSelector picks the offering to deploy on
type OfferSelector interface {
	Select(ctx context.Context, req models.ResourceRequirement) (models.SelectedOffer, error)
}

// SessionManager owns the remote session for the instance
type SessionManager interface {
	Connect(ctx context.Context, ep models.Endpoint) (*ssh.Session, error)
	Reconnect(ctx context.Context, ep models.Endpoint) (*ssh.Session, error)
	Close() error
}

// CommandRunner runs diagnostic and fire-and-forget commands
type CommandRunner interface {
	Output(ctx context.Context, sess *ssh.Session, cmd string) (string, int, error)
	Start(sess *ssh.Session, cmd string) error
}

// RunStore persists runs and their state transitions
type RunStore interface {
	Create(ctx context.Context, run *models.Run) error
	Update(ctx context.Context, run *models.Run) error
	RecordTransition(ctx context.Context, runID string, from, to models.RunState) error
}

// HostTrust drops host keys recorded for an address so that a new instance
// on a reused ip:port is trusted on first use again
type HostTrust interface {
	Forget(addr string) (int, error)
}

// FailureRecorder remembers nodes that failed a run
type FailureRecorder interface {
	RecordFailure(ctx context.Context, nodeID, runID string, kind inventory.FailureKind, reason string)
}

// Request describes one provisioning run
type Request struct {
	Dataset       string
	Requirement   models.ResourceRequirement
	PublicKeyPath string
}

// ProvisioningSession is everything a provisioned run owns. It is passed
// explicitly to the steps that follow provisioning.
type ProvisioningSession struct {
	Run      *models.Run
	Instance *models.ProvisionedInstance
	Session  *ssh.Session
	Reboots  int

	controller *Controller
}

// Endpoint returns the SSH endpoint of the instance
func (ps *ProvisioningSession) Endpoint() models.Endpoint {
	return ps.Instance.Endpoint()
}

// Advance moves the run to the next state, e.g. setting_up after provisioning
func (ps *ProvisioningSession) Advance(ctx context.Context, to models.RunState) error {
	return ps.controller.transition(ctx, ps.Run, to)
}

// Fail records err on the run and marks it failed. The instance keeps running.
func (ps *ProvisioningSession) Fail(ctx context.Context, err error) {
	ps.controller.fail(ctx, ps.Run, err)
}

// Abort fails the run after a step that followed provisioning returned err.
// It releases the session and, when ctx was cancelled, deletes the instance
// under the same cleanup rules as Provision.
func (ps *ProvisioningSession) Abort(ctx context.Context, err error) {
	ps.controller.abort(logging.WithRunID(ctx, ps.Run.ID), ps, err)
}

// Close releases the remote session
func (ps *ProvisioningSession) Close() error {
	return ps.controller.sessions.Close()
}

// recordEndpoint copies the instance address onto the run record
func (ps *ProvisioningSession) recordEndpoint() {
	ep := ps.Endpoint()
	ps.Run.Host = ep.Host
	ps.Run.Port = ep.Port
	ps.Run.User = ep.User
}

// Controller provisions an instance and brings it to a ready session
type Controller struct {
	catalog  Catalog
	selector OfferSelector
	sessions SessionManager
	runner   CommandRunner
	store    RunStore
	failures FailureRecorder
	trust    HostTrust
	logger   *slog.Logger

	instanceName    string
	pollPolicy      poll.Policy
	settleDelay     time.Duration
	maxReboots      int
	cleanupOnCancel bool
	cleanupTimeout  time.Duration
}

// Option configures the controller
type Option func(*Controller)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithFailureRecorder attributes deploy, start, SSH and GPU failures to the node
func WithFailureRecorder(r FailureRecorder) Option {
	return func(c *Controller) {
		c.failures = r
	}
}

// WithHostTrust scopes recorded host keys to one instance: they are dropped
// when a new instance comes up on an address and when the instance is stopped
func WithHostTrust(t HostTrust) Option {
	return func(c *Controller) {
		c.trust = t
	}
}

// WithInstanceName sets the display name sent with deploy requests
func WithInstanceName(name string) Option {
	return func(c *Controller) {
		c.instanceName = name
	}
}

// WithPollPolicy sets the instance status polling policy
func WithPollPolicy(p poll.Policy) Option {
	return func(c *Controller) {
		c.pollPolicy = p
	}
}

// WithRebootSettleDelay sets the wait between a reboot request and the next poll
func WithRebootSettleDelay(d time.Duration) Option {
	return func(c *Controller) {
		c.settleDelay = d
	}
}

// WithMaxReboots caps GPU recovery reboots
func WithMaxReboots(n int) Option {
	return func(c *Controller) {
		c.maxReboots = n
	}
}

// WithCleanupOnCancel controls whether a cancelled run deletes its instance,
// and how long the delete may take
func WithCleanupOnCancel(enabled bool, timeout time.Duration) Option {
	return func(c *Controller) {
		c.cleanupOnCancel = enabled
		if timeout > 0 {
			c.cleanupTimeout = timeout
		}
	}
}

// New creates a provisioning controller
func New(catalog Catalog, selector OfferSelector, sessions SessionManager, runner CommandRunner, store RunStore, opts ...Option) *Controller {
	c := &Controller{
		catalog:         catalog,
		selector:        selector,
		sessions:        sessions,
		runner:          runner,
		store:           store,
		logger:          slog.Default(),
		instanceName:    "almond-intelligence",
		pollPolicy:      poll.Fixed(DefaultPollInterval),
		settleDelay:     DefaultRebootSettleDelay,
		maxReboots:      DefaultMaxReboots,
		cleanupOnCancel: true,
		cleanupTimeout:  DefaultCleanupTimeout,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ReadPublicKey reads the SSH public key attached to deploy requests
func ReadPublicKey(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", &MissingSSHKeyError{Path: path, Err: err}
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return "", &MissingSSHKeyError{Path: path, Err: errors.New("file is empty")}
	}
	return key, nil
}

// Provision selects the cheapest offering, deploys it, waits for it to run,
// connects, and verifies the GPU. On success the returned session is ready
// for setup commands.
func (c *Controller) Provision(ctx context.Context, req Request) (*ProvisioningSession, error) {
	start := time.Now()

	publicKey, err := ReadPublicKey(req.PublicKeyPath)
	if err != nil {
		return nil, err
	}
	if err := req.Requirement.Validate(); err != nil {
		return nil, err
	}

	run := &models.Run{
		ID:        uuid.New().String(),
		Dataset:   req.Dataset,
		State:     models.RunSelecting,
		CreatedAt: start,
		UpdatedAt: start,
	}
	if err := c.store.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run record: %w", err)
	}
	ctx = logging.WithRunID(ctx, run.ID)

	c.logger.InfoContext(ctx, "provisioning run started",
		slog.String("dataset", req.Dataset),
		slog.String("gpu_model", req.Requirement.GPUModel),
		slog.Int("gpu_count", req.Requirement.GPUCount))

	ps := &ProvisioningSession{Run: run, controller: c}
	if err := c.provision(ctx, ps, req.Requirement, publicKey); err != nil {
		c.abort(ctx, ps, err)
		return nil, err
	}

	metrics.RecordProvisioningDuration(time.Since(start))
	c.logger.InfoContext(ctx, "instance ready",
		slog.String("endpoint", ps.Endpoint().String()),
		slog.Int("reboots", ps.Reboots),
		slog.Duration("elapsed", time.Since(start)))

	return ps, nil
}

func (c *Controller) provision(ctx context.Context, ps *ProvisioningSession, req models.ResourceRequirement, publicKey string) error {
	run := ps.Run

	offer, err := c.selector.Select(ctx, req)
	if err != nil {
		return err
	}
	run.NodeID = offer.NodeID
	run.Port = offer.Port
	run.HourlyCost = offer.Cost
	ctx = logging.WithNodeID(ctx, offer.NodeID)

	if err := c.transition(ctx, run, models.RunDeploying); err != nil {
		return err
	}
	inst, err := c.deploy(ctx, offer, req, publicKey)
	if err != nil {
		c.noteNodeFailure(ctx, run, inventory.FailureDeployRejected, err)
		return err
	}
	ps.Instance = inst
	run.InstanceID = inst.StatusID()

	if err := c.transition(ctx, run, models.RunAwaitingRunning); err != nil {
		return err
	}
	c.logBalance(ctx)

	if err := c.awaitRunning(ctx, ps); err != nil {
		return err
	}
	if err := c.transition(ctx, run, models.RunReady); err != nil {
		return err
	}

	// Keys recorded for this address belong to an earlier instance
	c.forgetHost(ctx, ps.Endpoint().Addr())

	sess, err := c.sessions.Connect(ctx, ps.Endpoint())
	if err != nil {
		c.noteSSHFailure(ctx, run, err)
		return err
	}
	ps.Session = sess

	return c.ensureGPU(ctx, ps)
}

// deploy submits the deploy request. Any refusal is fatal; deploys are never retried.
func (c *Controller) deploy(ctx context.Context, offer models.SelectedOffer, req models.ResourceRequirement, publicKey string) (*models.ProvisionedInstance, error) {
	inst, err := c.catalog.Deploy(ctx, marketplace.DeployRequest{
		Name:         c.instanceName,
		SSHPublicKey: publicKey,
		NodeID:       offer.NodeID,
		ExternalPort: offer.Port,
		InternalPort: models.SSHInternalPort,
		Requirement:  req,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &DeploymentRejectedError{NodeID: offer.NodeID, Err: err}
	}
	if inst.NodeID == "" {
		inst.NodeID = offer.NodeID
	}
	if inst.Port == 0 {
		inst.Port = offer.Port
	}

	logging.Audit(ctx, "instance_deployed",
		"instance_id", inst.StatusID(),
		"port", offer.Port,
		"hourly_cost", offer.Cost)

	return inst, nil
}

// awaitRunning polls the instance status until it reports running
func (c *Controller) awaitRunning(ctx context.Context, ps *ProvisioningSession) error {
	id := ps.Run.InstanceID
	var latest *models.ProvisionedInstance
	attempts := 0

	err := poll.Until(ctx, c.pollPolicy, poll.Options{
		Operation: "wait for instance " + id,
		Retryable: func(err error) bool {
			var failed *InstanceFailedError
			if errors.As(err, &failed) {
				return false
			}
			return marketplace.IsRetryable(err)
		},
		OnRetry: func(attempt int, err error, next time.Duration) {
			c.logger.InfoContext(ctx, "waiting for instance to start",
				slog.String("instance_id", id),
				slog.Int("attempt", attempt),
				slog.Duration("next", next),
				slog.String("status", err.Error()))
		},
	}, func(ctx context.Context, attempt int) error {
		attempts = attempt
		inst, err := c.catalog.InstanceStatus(ctx, id)
		if err != nil {
			return err
		}
		switch inst.Status {
		case models.InstanceRunning:
			latest = inst
			return nil
		case models.InstanceFailed:
			return &InstanceFailedError{InstanceID: id}
		default:
			return fmt.Errorf("instance is %s: %w", inst.Status, poll.ErrNotYetReady)
		}
	})
	metrics.RecordPollAttempts("instance_status", attempts)
	if err != nil {
		var failed *InstanceFailedError
		var timeout *poll.TimeoutError
		switch {
		case errors.As(err, &failed):
			c.noteNodeFailure(ctx, ps.Run, inventory.FailureInstanceFailed, err)
		case errors.As(err, &timeout):
			c.noteNodeFailure(ctx, ps.Run, inventory.FailureStartTimeout, err)
		}
		return err
	}

	ps.Instance = mergeStatus(ps.Instance, latest)
	ps.recordEndpoint()
	return nil
}

// noteNodeFailure attributes err to the run's node. A cancelled run is never
// the node's fault.
func (c *Controller) noteNodeFailure(ctx context.Context, run *models.Run, kind inventory.FailureKind, err error) {
	if c.failures == nil || ctx.Err() != nil || run.NodeID == "" {
		return
	}
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	c.failures.RecordFailure(ctx, run.NodeID, run.ID, kind, reason)
}

// noteSSHFailure records an unreachable sshd. A host key mismatch is a trust
// decision, not a node fault.
func (c *Controller) noteSSHFailure(ctx context.Context, run *models.Run, err error) {
	var hostErr *ssh.HostKeyError
	if errors.As(err, &hostErr) {
		return
	}
	c.noteNodeFailure(ctx, run, inventory.FailureSSHUnreachable, err)
}

// forgetHost drops recorded host keys for addr. Failures are only logged; the
// connect that follows reports a stale key as a host key error.
func (c *Controller) forgetHost(ctx context.Context, addr string) {
	if c.trust == nil {
		return
	}
	removed, err := c.trust.Forget(addr)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to forget recorded host keys",
			slog.String("addr", addr),
			slog.String("error", err.Error()))
		return
	}
	if removed > 0 {
		c.logger.DebugContext(ctx, "forgot host keys of a previous instance",
			slog.String("addr", addr),
			slog.Int("entries", removed))
	}
}

// mergeStatus overlays a status response on what is already known about the instance
func mergeStatus(prev, next *models.ProvisionedInstance) *models.ProvisionedInstance {
	merged := *next
	if prev != nil {
		if merged.NodeID == "" {
			merged.NodeID = prev.NodeID
		}
		if merged.InstanceID == "" {
			merged.InstanceID = prev.InstanceID
		}
		if merged.IP == "" {
			merged.IP = prev.IP
		}
		if merged.Port == 0 {
			merged.Port = prev.Port
		}
		if merged.SSHUser == "" {
			merged.SSHUser = prev.SSHUser
		}
	}
	if merged.SSHUser == "" {
		merged.SSHUser = DefaultSSHUser
	}
	return &merged
}

// logBalance reports the account balance and remaining runtime. Failures are
// only logged.
func (c *Controller) logBalance(ctx context.Context) {
	bal, err := c.catalog.Balance(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to fetch balance", slog.String("error", err.Error()))
		return
	}
	c.logger.InfoContext(ctx, "account balance",
		slog.Float64("balance", bal.Balance),
		slog.Float64("hourly_cost", bal.HourlyCost),
		slog.Float64("runtime_hours", bal.Runtime()))
}

// abort marks the run failed. A cancelled run that already owns an instance
// deletes it when cleanup is enabled.
func (c *Controller) abort(ctx context.Context, ps *ProvisioningSession, cause error) {
	c.fail(ctx, ps.Run, cause)

	if err := c.sessions.Close(); err != nil {
		c.logger.DebugContext(ctx, "error closing session", slog.String("error", err.Error()))
	}

	if ps.Instance == nil {
		return
	}

	if ctx.Err() != nil && c.cleanupOnCancel {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cleanupTimeout)
		defer cancel()
		if err := c.delete(cleanupCtx, ps.Run, "cancelled"); err != nil {
			c.logger.ErrorContext(ctx, "CRITICAL: failed to delete instance after cancellation",
				slog.String("instance_id", ps.Run.InstanceID),
				slog.String("error", err.Error()))
		}
		return
	}

	c.logger.WarnContext(ctx, "instance left running after failure, delete it with `almond-train stop`",
		slog.String("instance_id", ps.Run.InstanceID))
}

// Stop deletes the instance owned by run and marks the run stopped
func (c *Controller) Stop(ctx context.Context, run *models.Run) error {
	return c.delete(logging.WithRunID(ctx, run.ID), run, "stop")
}

func (c *Controller) delete(ctx context.Context, run *models.Run, reason string) error {
	if !CanTransition(run.State, models.RunStopped) {
		return &InvalidTransitionError{From: run.State, To: models.RunStopped}
	}
	id := run.StatusID()
	if id == "" {
		return fmt.Errorf("run %s has no instance to delete", run.ID)
	}

	if err := c.catalog.DeleteInstance(ctx, id); err != nil {
		if !marketplace.IsNotFoundError(err) {
			return fmt.Errorf("failed to delete instance %s: %w", id, err)
		}
		c.logger.InfoContext(ctx, "instance already deleted", slog.String("instance_id", id))
	}

	metrics.RecordInstanceDeleted(reason)
	if run.Host != "" && run.Port > 0 {
		c.forgetHost(ctx, models.Endpoint{Host: run.Host, Port: run.Port, User: run.User}.Addr())
	}
	logging.Audit(ctx, "instance_deleted",
		"instance_id", id,
		"node_id", run.NodeID,
		"reason", reason)

	return c.transition(ctx, run, models.RunStopped)
}
