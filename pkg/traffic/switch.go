// Package traffic repoints live traffic between the blue and green
// deployment targets by rewriting the color selector on the routing
// Service. A switch is a compare-and-swap: the caller states which color
// it believes is active, and the operation aborts on any mismatch or
// concurrent modification instead of overwriting.
package traffic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/opscart/k8s-rollback-controller/pkg/models"
)

// SelectorKey is the Service selector label carrying the active color
const SelectorKey = "color"

// ErrSwitchConflict is returned when the expected-current precondition
// failed, including after the single retry on an optimistic-concurrency
// conflict.
var ErrSwitchConflict = errors.New("traffic: switch conflict, active color changed concurrently")

// Switch manages the color selector of one routing Service
type Switch struct {
	client    kubernetes.Interface
	namespace string
	service   string
	logger    *slog.Logger
}

func NewSwitch(client kubernetes.Interface, namespace, service string, logger *slog.Logger) *Switch {
	if logger == nil {
		logger = slog.Default()
	}
	return &Switch{
		client:    client,
		namespace: namespace,
		service:   service,
		logger:    logger,
	}
}

// Active reads the currently serving color from the live routing Service
func (s *Switch) Active(ctx context.Context) (models.Color, error) {
	svc, err := s.client.CoreV1().Services(s.namespace).Get(ctx, s.service, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to read service %s/%s: %w", s.namespace, s.service, err)
	}
	color := models.Color(svc.Spec.Selector[SelectorKey])
	if !color.Valid() {
		return "", fmt.Errorf("service %s/%s has no valid color selector (got %q)", s.namespace, s.service, color)
	}
	return color, nil
}

// Apply repoints traffic to the given color, requiring expect to still be
// the active color. The Service's resourceVersion serves as the
// optimistic-concurrency token: a conflicting concurrent update is
// retried once against fresh state, then reported as ErrSwitchConflict.
func (s *Switch) Apply(ctx context.Context, to, expect models.Color) error {
	if !to.Valid() {
		return fmt.Errorf("invalid target color %q", to)
	}

	for attempt := 0; attempt < 2; attempt++ {
		svc, err := s.client.CoreV1().Services(s.namespace).Get(ctx, s.service, metav1.GetOptions{})
		if err != nil {
			return fmt.Errorf("failed to read service %s/%s: %w", s.namespace, s.service, err)
		}

		current := models.Color(svc.Spec.Selector[SelectorKey])
		if current != expect {
			return fmt.Errorf("%w: expected %s, found %s", ErrSwitchConflict, expect, current)
		}
		if current == to {
			return nil
		}

		if svc.Spec.Selector == nil {
			svc.Spec.Selector = map[string]string{}
		}
		svc.Spec.Selector[SelectorKey] = string(to)

		_, err = s.client.CoreV1().Services(s.namespace).Update(ctx, svc, metav1.UpdateOptions{})
		if err == nil {
			s.logger.Info("traffic switched", "service", s.service, "from", expect, "to", to)
			return nil
		}
		if !apierrors.IsConflict(err) {
			return fmt.Errorf("failed to update service %s/%s: %w", s.namespace, s.service, err)
		}
		s.logger.Warn("traffic switch hit a concurrent update, retrying once", "service", s.service)
	}
	return ErrSwitchConflict
}
