package k8s

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
	"k8s.io/utils/ptr"

	"github.com/rolecraft/rolecraft/pkg/drivers"
	"github.com/rolecraft/rolecraft/pkg/engine"
)

func newTestDriver(t *testing.T) (*Driver, *fake.Clientset) {
	t.Helper()
	client := fake.NewClientset()
	d := newDriver(client, "apps", drivers.Options{Project: "demo", Logger: zerolog.Nop()})
	d.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	return d, client
}

func getDeployment(t *testing.T, client *fake.Clientset, name string) *appsv1.Deployment {
	t.Helper()
	dep, err := client.AppsV1().Deployments("apps").Get(context.Background(), name, metav1.GetOptions{})
	require.NoError(t, err)
	return dep
}

func webDef() engine.ServiceDefinition {
	return engine.ServiceDefinition{
		Name:        "web",
		Image:       "registry.example.com/team/demo-web:v1",
		Command:     []string{"nginx", "-g", "daemon off;"},
		Environment: map[string]string{"MODE": "prod"},
		Ports:       []string{"8080:80", "9000/udp"},
		Labels:      map[string]string{"tier": "front", "note": "has spaces in it"},
		User:        "1000",
	}
}

func TestRegister(t *testing.T) {
	r := drivers.NewRegistry()
	Register(r)

	assert.NoError(t, r.Check(Name, drivers.CommandCapabilities["run"]))
	assert.NoError(t, r.Check(Name, drivers.CommandCapabilities["deploy"]))

	err := r.Check(Name, drivers.CommandCapabilities["build"])
	assert.True(t, engine.IsKind(err, engine.ErrCodeCapabilityUnsupported))
}

func TestObjectName(t *testing.T) {
	assert.Equal(t, "demo-web", objectName("demo", "web"))
	assert.Equal(t, "my-app-secrets", objectName("My_App_secrets"))
	assert.Equal(t, "demo-api-v2", objectName("demo", "api.v2"))
}

func TestWrapErr(t *testing.T) {
	err := wrapErr("update", apierrors.NewConflict(schema.GroupResource{Resource: "deployments"}, "demo-web", nil))
	var e *engine.EngineError
	require.ErrorAs(t, err, &e)
	assert.Equal(t, engine.ErrCodeEngine, e.Code)
	assert.Equal(t, 409, e.Status)

	err = wrapErr("get", assert.AnError)
	require.ErrorAs(t, err, &e)
	assert.Equal(t, 500, e.Status)
}

func TestEnsureService_Create(t *testing.T) {
	ctx := context.Background()
	d, client := newTestDriver(t)

	changed, err := d.EnsureService(ctx, "demo", webDef(), engine.ActionPresent)
	require.NoError(t, err)
	assert.True(t, changed)

	dep := getDeployment(t, client, "demo-web")
	assert.Equal(t, int32(1), *dep.Spec.Replicas)
	assert.Equal(t, "front", dep.Labels["tier"])
	assert.Equal(t, "has spaces in it", dep.Annotations["note"], "invalid label values move to annotations")
	assert.NotEmpty(t, dep.Annotations[AnnotationConfigHash])
	assert.Equal(t, map[string]string{LabelProject: "demo", LabelService: "web"}, dep.Spec.Selector.MatchLabels)

	require.Len(t, dep.Spec.Template.Spec.Containers, 1)
	c := dep.Spec.Template.Spec.Containers[0]
	assert.Equal(t, "registry.example.com/team/demo-web:v1", c.Image)
	assert.Equal(t, []string{"nginx", "-g", "daemon off;"}, c.Args)
	assert.Empty(t, c.Command)
	assert.Equal(t, []corev1.EnvVar{{Name: "MODE", Value: "prod"}}, c.Env)
	assert.Equal(t, ptr.To[int64](1000), c.SecurityContext.RunAsUser)
	assert.ElementsMatch(t, []corev1.ContainerPort{
		{ContainerPort: 80, Protocol: corev1.ProtocolTCP},
		{ContainerPort: 9000, Protocol: corev1.ProtocolUDP},
	}, c.Ports)

	svc, err := client.CoreV1().Services("apps").Get(ctx, "demo-web", metav1.GetOptions{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []corev1.ServicePort{
		{Name: "8080-tcp", Port: 8080, TargetPort: intstr.FromInt32(80), Protocol: corev1.ProtocolTCP},
		{Name: "9000-udp", Port: 9000, TargetPort: intstr.FromInt32(9000), Protocol: corev1.ProtocolUDP},
	}, svc.Spec.Ports)
}

func TestEnsureService_Lifecycle(t *testing.T) {
	ctx := context.Background()
	d, client := newTestDriver(t)
	def := webDef()

	changed, err := d.EnsureService(ctx, "demo", def, engine.ActionPresent)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = d.EnsureService(ctx, "demo", def, engine.ActionPresent)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = d.EnsureService(ctx, "demo", def, engine.ActionStopped)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int32(0), *getDeployment(t, client, "demo-web").Spec.Replicas)

	changed, err = d.EnsureService(ctx, "demo", def, engine.ActionStopped)
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = d.EnsureService(ctx, "demo", def, engine.ActionPresent)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, int32(1), *getDeployment(t, client, "demo-web").Spec.Replicas)

	changed, err = d.EnsureService(ctx, "demo", def, engine.ActionRestarted)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "2024-01-02T03:04:05Z", getDeployment(t, client, "demo-web").Spec.Template.Annotations[AnnotationRestartedAt])

	before := getDeployment(t, client, "demo-web").Annotations[AnnotationConfigHash]
	def.Image = "registry.example.com/team/demo-web:v2"
	def.Ports = nil
	changed, err = d.EnsureService(ctx, "demo", def, engine.ActionPresent)
	require.NoError(t, err)
	assert.True(t, changed)
	dep := getDeployment(t, client, "demo-web")
	assert.NotEqual(t, before, dep.Annotations[AnnotationConfigHash])
	assert.Equal(t, "registry.example.com/team/demo-web:v2", dep.Spec.Template.Spec.Containers[0].Image)

	_, err = client.CoreV1().Services("apps").Get(ctx, "demo-web", metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err), "a service without ports has no Service object")
}

func TestEnsureService_StoppedAbsent(t *testing.T) {
	d, client := newTestDriver(t)

	changed, err := d.EnsureService(context.Background(), "demo", webDef(), engine.ActionStopped)
	require.NoError(t, err)
	assert.False(t, changed)

	list, err := client.AppsV1().Deployments("apps").List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, list.Items)
}

func TestEnsureService_VolumesAndSecrets(t *testing.T) {
	ctx := context.Background()
	d, client := newTestDriver(t)

	def := webDef()
	def.Volumes = []string{"data:/var/lib/data", "./conf:/etc/conf:ro", "/cache"}
	def.Secrets = map[string]string{
		"tls_key":     "/etc/ssl/private/key.pem",
		"db_password": "DB_PASSWORD_FILE",
	}
	def.SecretsVolume = "demo_secrets"
	_, err := d.EnsureService(ctx, "demo", def, engine.ActionPresent)
	require.NoError(t, err)

	claim, err := client.CoreV1().PersistentVolumeClaims("apps").Get(ctx, "demo-data", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "web", claim.Labels[LabelService])

	pod := getDeployment(t, client, "demo-web").Spec.Template.Spec
	c := pod.Containers[0]
	assert.Contains(t, c.Env, corev1.EnvVar{Name: "DB_PASSWORD_FILE", Value: "/run/secrets/db_password"})
	assert.Contains(t, c.VolumeMounts, corev1.VolumeMount{Name: "secrets", MountPath: "/etc/ssl/private/key.pem", SubPath: "tls_key", ReadOnly: true})
	assert.Contains(t, c.VolumeMounts, corev1.VolumeMount{Name: "secrets", MountPath: SecretsDir, ReadOnly: true})
	assert.Contains(t, c.VolumeMounts, corev1.VolumeMount{Name: "vol-0", MountPath: "/var/lib/data"})
	assert.Contains(t, c.VolumeMounts, corev1.VolumeMount{Name: "vol-2", MountPath: "/cache"})
	assert.Len(t, c.VolumeMounts, 4, "host paths are skipped")

	var secretVolume *corev1.Volume
	for i := range pod.Volumes {
		if pod.Volumes[i].Name == "secrets" {
			secretVolume = &pod.Volumes[i]
		}
	}
	require.NotNil(t, secretVolume)
	assert.Equal(t, "demo-secrets", secretVolume.Secret.SecretName)

	changed, err := d.RemoveService(ctx, "demo", "web", true)
	require.NoError(t, err)
	assert.True(t, changed)
	_, err = client.CoreV1().PersistentVolumeClaims("apps").Get(ctx, "demo-data", metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(err))

	changed, err = d.RemoveService(ctx, "demo", "web", true)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestEnsureService_Options(t *testing.T) {
	d, client := newTestDriver(t)

	def := webDef()
	def.Options = map[string]interface{}{
		"privileged":        true,
		"cap_add":           []interface{}{"NET_ADMIN"},
		"hostname":          "web1",
		"stop_grace_period": "30s",
		"ulimits":           map[string]interface{}{"nofile": 1024},
	}
	_, err := d.EnsureService(context.Background(), "demo", def, engine.ActionPresent)
	require.NoError(t, err)

	pod := getDeployment(t, client, "demo-web").Spec.Template.Spec
	assert.Equal(t, "web1", pod.Hostname)
	assert.Equal(t, ptr.To[int64](30), pod.TerminationGracePeriodSeconds)
	sc := pod.Containers[0].SecurityContext
	assert.Equal(t, ptr.To(true), sc.Privileged)
	assert.Equal(t, []corev1.Capability{"NET_ADMIN"}, sc.Capabilities.Add)

	def.Options = map[string]interface{}{"privileged": "yes"}
	_, err = d.EnsureService(context.Background(), "demo", def, engine.ActionPresent)
	assert.True(t, engine.IsKind(err, engine.ErrCodeConfigInvalid))
}

func TestEnsureService_APIError(t *testing.T) {
	d, client := newTestDriver(t)
	client.PrependReactor("create", "deployments", func(action k8stesting.Action) (bool, runtime.Object, error) {
		return true, nil, apierrors.NewForbidden(schema.GroupResource{Group: "apps", Resource: "deployments"}, "demo-web", assert.AnError)
	})

	_, err := d.EnsureService(context.Background(), "demo", webDef(), engine.ActionPresent)
	var e *engine.EngineError
	require.ErrorAs(t, err, &e)
	assert.Equal(t, 403, e.Status)
}

func TestWriteSecretsAndRemoveVolume(t *testing.T) {
	ctx := context.Background()
	d, client := newTestDriver(t)
	payload := map[string][]byte{"db_password": []byte("s3cret")}

	changed, err := d.WriteSecrets(ctx, "demo", "demo_secrets", payload)
	require.NoError(t, err)
	assert.True(t, changed)

	secret, err := client.CoreV1().Secrets("apps").Get(ctx, "demo-secrets", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("s3cret"), secret.Data["db_password"])

	changed, err = d.WriteSecrets(ctx, "demo", "demo_secrets", payload)
	require.NoError(t, err)
	assert.False(t, changed, "identical payloads are not a change")

	changed, err = d.WriteSecrets(ctx, "demo", "demo_secrets", map[string][]byte{"db_password": []byte("rotated")})
	require.NoError(t, err)
	assert.True(t, changed)

	_, err = d.WriteSecrets(ctx, "demo", "demo_secrets", map[string][]byte{"../escape": []byte("x")})
	assert.True(t, engine.IsKind(err, engine.ErrCodeConfigInvalid))

	changed, err = d.RemoveVolume(ctx, "demo", "demo_secrets")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = d.RemoveVolume(ctx, "demo", "demo_secrets")
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRemoveImages(t *testing.T) {
	d, _ := newTestDriver(t)
	changed, err := d.RemoveImages(context.Background(), "demo-")
	require.NoError(t, err)
	assert.False(t, changed)
}
