// Package rollback implements the three rollback strategies: immediate
// (restore the last known good snapshot), blue-green (switch traffic to
// the opposite color), and canary (withdraw part of the current
// replicas and observe). Every attempt, successful or not, ends in an
// audit record and a webhook notification.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	autoscalingv1 "k8s.io/api/autoscaling/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/opscart/k8s-rollback-controller/pkg/config"
	"github.com/opscart/k8s-rollback-controller/pkg/health"
	"github.com/opscart/k8s-rollback-controller/pkg/metrics"
	"github.com/opscart/k8s-rollback-controller/pkg/models"
	"github.com/opscart/k8s-rollback-controller/pkg/notify"
	"github.com/opscart/k8s-rollback-controller/pkg/snapshot"
	"github.com/opscart/k8s-rollback-controller/pkg/sysinfo"
	"github.com/opscart/k8s-rollback-controller/pkg/traffic"
)

// ErrRollbackFailed marks an attempt that completed but left the system
// unhealthy. For immediate rollback this is the highest-severity
// condition: both the new and the fallback target are compromised, and
// the controller never auto-retries it.
var ErrRollbackFailed = errors.New("rollback: verification failed")

const rolloutPollInterval = 5 * time.Second

// Deps wires the orchestrator's collaborators
type Deps struct {
	Config      *config.Config
	Client      kubernetes.Interface
	Traffic     *traffic.Switch
	Snapshots   *snapshot.Store
	Checker     *health.Checker
	Notifier    *notify.Sink
	Audit       Auditor
	Scheduler   *Scheduler
	SystemState sysinfo.SnapshotFunc
	Logger      *slog.Logger
}

// Orchestrator executes rollbacks end-to-end. Operations are
// synchronous from the caller's perspective and bounded by the overall
// rollback timeout; only post-switch drain cleanup runs deferred.
type Orchestrator struct {
	cfg       *config.Config
	client    kubernetes.Interface
	traffic   *traffic.Switch
	snapshots *snapshot.Store
	checker   *health.Checker
	notifier  *notify.Sink
	audit     Auditor
	sched     *Scheduler
	sysState  sysinfo.SnapshotFunc
	logger    *slog.Logger

	// injectable in tests
	serviceEndpoint string
	colorEndpoint   func(models.Color) string
	sleep           func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(d Deps) *Orchestrator {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sysState := d.SystemState
	if sysState == nil {
		sysState = func(context.Context) models.SystemState { return models.UnknownSystemState() }
	}
	return &Orchestrator{
		cfg:             d.Config,
		client:          d.Client,
		traffic:         d.Traffic,
		snapshots:       d.Snapshots,
		checker:         d.Checker,
		notifier:        d.Notifier,
		audit:           d.Audit,
		sched:           d.Scheduler,
		sysState:        sysState,
		logger:          logger,
		serviceEndpoint: d.Config.ServiceEndpoint(),
		colorEndpoint:   d.Config.ColorEndpoint,
		sleep:           sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Immediate restores the most recent eligible deployment snapshot:
// bounded graceful stop of the serving pods, image restore, restart and
// full health verification. snapshotPath overrides target resolution
// when non-empty.
func (o *Orchestrator) Immediate(ctx context.Context, reason, snapshotPath string) (*models.RollbackRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RollbackTimeout)
	defer cancel()

	o.logger.Info("starting immediate rollback", "reason", reason)

	snap, err := o.resolveTarget(snapshotPath)
	if err != nil {
		rec := o.finish(ctx, models.RollbackImmediate, reason, "none", false)
		return rec, err
	}

	active, err := o.traffic.Active(ctx)
	if err != nil {
		rec := o.finish(ctx, models.RollbackImmediate, reason, "unknown", false)
		return rec, err
	}
	deployName := o.cfg.ColorDeployment(active)
	target := fmt.Sprintf("%s@%s", deployName, snap.CommitSHA)

	redundant, err := o.matchesSnapshot(ctx, deployName, active, snap)
	if err != nil {
		rec := o.finish(ctx, models.RollbackImmediate, reason, target, false)
		return rec, err
	}

	if redundant {
		// Nothing to restore; verify and report without touching pods.
		o.logger.Info("deployment already matches rollback target", "deployment", deployName)
		reason = reason + " (redundant: already at target)"
	} else {
		if err := o.restoreImages(ctx, deployName, snap); err != nil {
			rec := o.finish(ctx, models.RollbackImmediate, reason, target, false)
			return rec, err
		}
		if err := o.waitForRollout(ctx, deployName); err != nil {
			rec := o.finish(ctx, models.RollbackImmediate, reason, target, false)
			return rec, fmt.Errorf("%w: rollout did not complete: %v", ErrRollbackFailed, err)
		}
	}

	if err := o.checker.Check(ctx, o.serviceEndpoint, o.cfg.VerifyAttempts, o.cfg.VerifyInterval); err != nil {
		rec := o.finish(ctx, models.RollbackImmediate, reason, target, false)
		return rec, fmt.Errorf("%w: %v", ErrRollbackFailed, err)
	}

	rec := o.finish(ctx, models.RollbackImmediate, reason, target, true)
	return rec, nil
}

// BlueGreen verifies the opposite color and atomically switches traffic
// to it, leaving traffic untouched when the target fails verification.
// The losing color is drained on a deferred schedule.
func (o *Orchestrator) BlueGreen(ctx context.Context, reason string) (*models.RollbackRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RollbackTimeout)
	defer cancel()

	active, err := o.traffic.Active(ctx)
	if err != nil {
		rec := o.finish(ctx, models.RollbackBlueGreen, reason, "unknown", false)
		return rec, err
	}
	target := active.Opposite()
	targetDeploy := o.cfg.ColorDeployment(target)

	o.logger.Info("starting blue-green rollback", "reason", reason, "active", active, "target", target)

	deploy, err := o.client.AppsV1().Deployments(o.cfg.Namespace).Get(ctx, targetDeploy, metav1.GetOptions{})
	if err != nil {
		rec := o.finish(ctx, models.RollbackBlueGreen, reason, string(target), false)
		return rec, fmt.Errorf("target deployment %s not available: %w", targetDeploy, err)
	}
	if deploy.Spec.Replicas != nil && *deploy.Spec.Replicas == 0 {
		rec := o.finish(ctx, models.RollbackBlueGreen, reason, string(target), false)
		return rec, fmt.Errorf("target deployment %s is scaled to zero", targetDeploy)
	}

	// Full retry budget against the target before any traffic moves.
	if err := o.checker.Check(ctx, o.colorEndpoint(target), o.cfg.VerifyAttempts, o.cfg.VerifyInterval); err != nil {
		o.logger.Error("rollback target failed verification, traffic unchanged", "target", target, "err", err)
		rec := o.finish(ctx, models.RollbackBlueGreen, reason, string(target), false)
		return rec, fmt.Errorf("%w: target %s unhealthy: %v", ErrRollbackFailed, target, err)
	}

	if err := o.traffic.Apply(ctx, target, active); err != nil {
		rec := o.finish(ctx, models.RollbackBlueGreen, reason, string(target), false)
		return rec, err
	}

	// Drain the losing color after in-flight requests complete.
	losing := o.cfg.ColorDeployment(active)
	o.sched.After(o.cfg.DrainPeriod, "drain-"+losing, func(taskCtx context.Context) {
		if err := o.scaleDeployment(taskCtx, losing, 0); err != nil {
			o.logger.Warn("deferred drain failed", "deployment", losing, "err", err)
		}
	})

	rec := o.finish(ctx, models.RollbackBlueGreen, reason, string(target), true)
	return rec, nil
}

// Canary withdraws rollbackPercentage of the current replicas without
// recreating pods and observes health for the canary window. Any failed
// check escalates to a full immediate rollback. Deployments at one
// replica skip straight to immediate rollback.
func (o *Orchestrator) Canary(ctx context.Context, reason string) (*models.RollbackRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RollbackTimeout)
	defer cancel()

	active, err := o.traffic.Active(ctx)
	if err != nil {
		rec := o.finish(ctx, models.RollbackCanary, reason, "unknown", false)
		return rec, err
	}
	deployName := o.cfg.ColorDeployment(active)

	scale, err := o.client.AppsV1().Deployments(o.cfg.Namespace).GetScale(ctx, deployName, metav1.GetOptions{})
	if err != nil {
		rec := o.finish(ctx, models.RollbackCanary, reason, deployName, false)
		return rec, fmt.Errorf("failed to read scale of %s: %w", deployName, err)
	}
	replicas := scale.Spec.Replicas

	if replicas <= 1 {
		o.logger.Info("canary not applicable at current scale, using immediate rollback", "replicas", replicas)
		return o.Immediate(ctx, reason+" (canary skipped: single replica)", "")
	}

	withdraw := replicas * int32(o.cfg.RollbackPercentage) / 100
	if withdraw < 1 {
		withdraw = 1
	}
	newReplicas := replicas - withdraw

	o.logger.Info("starting canary rollback",
		"reason", reason,
		"deployment", deployName,
		"replicas", replicas,
		"withdrawing", withdraw,
	)

	if err := o.scaleDeployment(ctx, deployName, newReplicas); err != nil {
		rec := o.finish(ctx, models.RollbackCanary, reason, deployName, false)
		return rec, err
	}

	if err := o.observeCanary(ctx); err != nil {
		o.logger.Error("canary window failed, escalating to immediate rollback", "err", err)
		o.finish(ctx, models.RollbackCanary, fmt.Sprintf("%s (escalated: %v)", reason, err), deployName, false)
		return o.Immediate(ctx, fmt.Sprintf("canary escalation: %s", reason), "")
	}

	rec := o.finish(ctx, models.RollbackCanary, reason, fmt.Sprintf("%s (scaled %d -> %d)", deployName, replicas, newReplicas), true)
	return rec, nil
}

// observeCanary probes the active service once per interval for the
// whole canary window; the first failure aborts the window.
func (o *Orchestrator) observeCanary(ctx context.Context) error {
	checks := int(o.cfg.CanaryWindow / o.cfg.CanaryInterval)
	if checks < 1 {
		checks = 1
	}
	for i := 0; i < checks; i++ {
		if err := o.sleep(ctx, o.cfg.CanaryInterval); err != nil {
			return err
		}
		if err := o.checker.Probe(ctx, o.serviceEndpoint); err != nil {
			return fmt.Errorf("canary check %d/%d failed: %w", i+1, checks, err)
		}
		o.logger.Debug("canary check passed", "check", i+1, "of", checks)
	}
	return nil
}

func (o *Orchestrator) resolveTarget(snapshotPath string) (*models.DeploymentSnapshot, error) {
	if snapshotPath != "" {
		return o.snapshots.Load(snapshotPath)
	}
	return o.snapshots.Latest()
}

// matchesSnapshot reports whether the live deployment already runs the
// snapshot's images (the redundant-rollback case).
func (o *Orchestrator) matchesSnapshot(ctx context.Context, deployName string, active models.Color, snap *models.DeploymentSnapshot) (bool, error) {
	if active != snap.ActiveColor {
		return false, nil
	}
	deploy, err := o.client.AppsV1().Deployments(o.cfg.Namespace).Get(ctx, deployName, metav1.GetOptions{})
	if err != nil {
		return false, fmt.Errorf("failed to read deployment %s: %w", deployName, err)
	}
	current := map[string]string{}
	for _, c := range deploy.Spec.Template.Spec.Containers {
		current[c.Name] = c.Image
	}
	if len(current) != len(snap.DockerImages) {
		return false, nil
	}
	for i, name := range snap.ActiveContainers {
		if i >= len(snap.DockerImages) || current[name] != snap.DockerImages[i] {
			return false, nil
		}
	}
	return true, nil
}

// restoreImages rewrites the deployment's container images to the
// snapshot's tags and applies the bounded graceful shutdown period, so
// the rolling restart stops serving pods within the configured window.
func (o *Orchestrator) restoreImages(ctx context.Context, deployName string, snap *models.DeploymentSnapshot) error {
	deploy, err := o.client.AppsV1().Deployments(o.cfg.Namespace).Get(ctx, deployName, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("failed to read deployment %s: %w", deployName, err)
	}

	byName := map[string]string{}
	for i, name := range snap.ActiveContainers {
		if i < len(snap.DockerImages) {
			byName[name] = snap.DockerImages[i]
		}
	}

	for i := range deploy.Spec.Template.Spec.Containers {
		c := &deploy.Spec.Template.Spec.Containers[i]
		if img, ok := byName[c.Name]; ok {
			c.Image = img
		} else if i < len(snap.DockerImages) {
			// Snapshot predates container naming; fall back to position.
			c.Image = snap.DockerImages[i]
		}
	}

	grace := int64(o.cfg.GracefulShutdown / time.Second)
	deploy.Spec.Template.Spec.TerminationGracePeriodSeconds = &grace

	_, err = o.client.AppsV1().Deployments(o.cfg.Namespace).Update(ctx, deploy, metav1.UpdateOptions{})
	if err != nil {
		return fmt.Errorf("failed to restore images on %s: %w", deployName, err)
	}
	o.logger.Info("restored deployment images", "deployment", deployName, "commit", snap.CommitSHA)
	return nil
}

// waitForRollout polls until the deployment's updated replicas are all
// available or the context expires.
func (o *Orchestrator) waitForRollout(ctx context.Context, deployName string) error {
	for {
		deploy, err := o.client.AppsV1().Deployments(o.cfg.Namespace).Get(ctx, deployName, metav1.GetOptions{})
		if err != nil {
			return fmt.Errorf("failed to read deployment %s: %w", deployName, err)
		}
		want := int32(1)
		if deploy.Spec.Replicas != nil {
			want = *deploy.Spec.Replicas
		}
		if deploy.Status.ObservedGeneration >= deploy.Generation &&
			deploy.Status.UpdatedReplicas == want &&
			deploy.Status.AvailableReplicas == want {
			return nil
		}
		if err := o.sleep(ctx, rolloutPollInterval); err != nil {
			return err
		}
	}
}

// scaleDeployment adjusts replicas through the scale subresource, which
// never recreates existing pods.
func (o *Orchestrator) scaleDeployment(ctx context.Context, deployName string, replicas int32) error {
	scale := &autoscalingv1.Scale{
		ObjectMeta: metav1.ObjectMeta{Name: deployName, Namespace: o.cfg.Namespace},
		Spec:       autoscalingv1.ScaleSpec{Replicas: replicas},
	}
	_, err := o.client.AppsV1().Deployments(o.cfg.Namespace).UpdateScale(ctx, deployName, scale, metav1.UpdateOptions{})
	if err != nil {
		return fmt.Errorf("failed to scale %s to %d: %w", deployName, replicas, err)
	}
	o.logger.Info("scaled deployment", "deployment", deployName, "replicas", replicas)
	return nil
}

// finish writes the audit record and sends the matching notification.
// Audit failures are logged but do not change the operation outcome.
func (o *Orchestrator) finish(ctx context.Context, typ models.RollbackType, reason, target string, success bool) *models.RollbackRecord {
	// Reporting must still happen when the operation's deadline has
	// already expired.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	rec := &models.RollbackRecord{
		RollbackType: typ,
		Reason:       reason,
		Target:       target,
		Success:      success,
		Timestamp:    time.Now().UTC(),
		SystemState:  o.sysState(ctx),
	}

	if err := o.audit.Append(ctx, rec); err != nil {
		o.logger.Error("failed to write rollback record", "err", err)
	}

	outcome := models.EventSuccess
	if !success {
		outcome = models.EventFailure
	}
	metrics.RollbacksTotal.WithLabelValues(string(typ), outcome).Inc()

	ev := models.NotifyEvent{
		Event:     outcome,
		Reason:    reason,
		Target:    target,
		Timestamp: rec.Timestamp,
	}
	if !success && typ == models.RollbackImmediate {
		// Failed immediate rollback means primary and fallback are both
		// compromised; this always goes to the critical channel.
		o.notifier.NotifyCritical(ctx, ev)
	} else {
		o.notifier.Notify(ctx, ev)
	}

	o.logger.Info("rollback attempt recorded", "type", typ, "target", target, "success", success)
	return rec
}
