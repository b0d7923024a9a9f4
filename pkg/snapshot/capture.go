package snapshot

import (
	"context"
	"fmt"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/opscart/k8s-rollback-controller/pkg/models"
	"github.com/opscart/k8s-rollback-controller/pkg/traffic"
)

// Capturer records the current cluster deployment state into a snapshot
type Capturer struct {
	client    kubernetes.Interface
	namespace string
	service   string
}

func NewCapturer(client kubernetes.Interface, namespace, service string) *Capturer {
	return &Capturer{client: client, namespace: namespace, service: service}
}

// Capture reads the active color from the routing Service and the image
// tags of the active color's deployment. Called once after a successful
// deploy; the result is the rollback target for that release.
func (c *Capturer) Capture(ctx context.Context, environment, commitSHA string) (*models.DeploymentSnapshot, error) {
	svc, err := c.client.CoreV1().Services(c.namespace).Get(ctx, c.service, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to read routing service: %w", err)
	}
	color := models.Color(svc.Spec.Selector[traffic.SelectorKey])
	if !color.Valid() {
		return nil, fmt.Errorf("routing service %s/%s has no valid color selector", c.namespace, c.service)
	}

	deployName := fmt.Sprintf("%s-%s", c.service, color)
	deploy, err := c.client.AppsV1().Deployments(c.namespace).Get(ctx, deployName, metav1.GetOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to read deployment %s: %w", deployName, err)
	}

	var images, containers []string
	for _, container := range deploy.Spec.Template.Spec.Containers {
		images = append(images, container.Image)
		containers = append(containers, container.Name)
	}

	return &models.DeploymentSnapshot{
		Timestamp:         time.Now().UTC(),
		CommitSHA:         commitSHA,
		Environment:       environment,
		DockerImages:      images,
		ActiveContainers:  containers,
		ActiveColor:       color,
		RollbackAvailable: true,
	}, nil
}
