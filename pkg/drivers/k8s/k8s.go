// Package k8s implements the engine driver for a Kubernetes cluster. Services
// run as single-replica Deployments fronted by a Service when they publish
// ports. Images are never built in the cluster; they are pulled from the
// registry the project pushes to.
package k8s

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/rolecraft/rolecraft/pkg/drivers"
	"github.com/rolecraft/rolecraft/pkg/engine"
)

// Name is the engine name the driver registers under.
const Name = "k8s"

// Capabilities lists what the driver supports.
const Capabilities = drivers.CapRun | drivers.CapDeploy

// Labels and annotations set on the objects the driver manages.
const (
	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelProject   = "rolecraft.io/project"
	LabelService   = "rolecraft.io/service"

	AnnotationConfigHash  = "rolecraft.io/config-hash"
	AnnotationRestartedAt = "rolecraft.io/restarted-at"
)

const managedBy = "rolecraft"

// SecretsDir is where the secrets volume is mounted in service pods.
const SecretsDir = "/run/secrets"

// Driver manages project services in one namespace.
type Driver struct {
	client    kubernetes.Interface
	namespace string
	logger    zerolog.Logger

	now func() time.Time
}

var _ drivers.Orchestrator = (*Driver)(nil)

// Register adds the k8s driver to a registry.
func Register(r *drivers.Registry) {
	r.Register(Name, Capabilities, Factory)
}

// Factory builds a clientset from the kubeconfig named in the options or
// $KUBECONFIG, falling back to the in-cluster config.
func Factory(ctx context.Context, opts drivers.Options) (drivers.Driver, error) {
	cfg, namespace, err := restConfig(opts.Kubeconfig)
	if err != nil {
		return nil, engine.ErrEngineUnreachable(err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, engine.ErrEngineUnreachable(fmt.Errorf("failed to create cluster client: %w", err))
	}
	if _, err := client.Discovery().ServerVersion(); err != nil {
		return nil, engine.ErrEngineUnreachable(err)
	}
	if opts.Namespace != "" {
		namespace = opts.Namespace
	}
	return newDriver(client, namespace, opts), nil
}

func restConfig(kubeconfig string) (*rest.Config, string, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		rules.ExplicitPath = kubeconfig
	}
	loader := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, &clientcmd.ConfigOverrides{})

	cfg, err := loader.ClientConfig()
	if err != nil {
		if kubeconfig != "" || os.Getenv("KUBECONFIG") != "" {
			return nil, "", fmt.Errorf("failed to load kubeconfig: %w", err)
		}
		inCluster, icErr := rest.InClusterConfig()
		if icErr != nil {
			return nil, "", fmt.Errorf("no kubeconfig and not running in a cluster: %w", errors.Join(err, icErr))
		}
		return inCluster, "", nil
	}
	namespace, _, err := loader.Namespace()
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve namespace: %w", err)
	}
	return cfg, namespace, nil
}

func newDriver(client kubernetes.Interface, namespace string, opts drivers.Options) *Driver {
	if namespace == "" {
		namespace = "default"
	}
	return &Driver{
		client:    client,
		namespace: namespace,
		logger:    opts.Logger.With().Str("component", "k8s").Str("namespace", namespace).Logger(),
		now:       time.Now,
	}
}

// Name returns the engine name.
func (d *Driver) Name() string { return Name }

// Capabilities returns the driver's capabilities.
func (d *Driver) Capabilities() drivers.Capability { return Capabilities }

// Close is a no-op; the clientset holds no connection of its own.
func (d *Driver) Close() error { return nil }

// Namespace returns the namespace the driver manages.
func (d *Driver) Namespace() string { return d.namespace }

// objectName converts a project-scoped name to a DNS-1123 label.
func objectName(parts ...string) string {
	name := strings.ToLower(strings.Join(parts, "-"))
	return strings.NewReplacer("_", "-", ".", "-").Replace(name)
}

func selectorLabels(project, service string) map[string]string {
	return map[string]string{
		LabelProject: objectName(project),
		LabelService: objectName(service),
	}
}

func objectLabels(project, service string, extra map[string]string) map[string]string {
	labels := make(map[string]string, len(extra)+3)
	for k, v := range extra {
		labels[k] = v
	}
	for k, v := range selectorLabels(project, service) {
		labels[k] = v
	}
	labels[LabelManagedBy] = managedBy
	return labels
}

// wrapErr maps an API error to an engine error, keeping its status.
func wrapErr(operation string, err error) error {
	status := http.StatusInternalServerError
	var apiStatus apierrors.APIStatus
	if errors.As(err, &apiStatus) {
		status = int(apiStatus.Status().Code)
	}
	return engine.ErrEngine(operation, status, err)
}

func ignoreNotFound(err error) error {
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}
