package k8s

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/utils/ptr"

	"github.com/rolecraft/rolecraft/pkg/engine"
)

// EnsureService reconciles the service's Deployment and Service to the
// action. A Deployment whose definition changed is updated in place; a
// stopped service is scaled to zero.
func (d *Driver) EnsureService(ctx context.Context, project string, def engine.ServiceDefinition, action engine.Action) (bool, error) {
	name := objectName(project, def.Name)
	hash, err := definitionHash(def)
	if err != nil {
		return false, err
	}

	deployments := d.client.AppsV1().Deployments(d.namespace)
	existing, err := deployments.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if !apierrors.IsNotFound(err) {
			return false, wrapErr("get deployment", err)
		}
		existing = nil
	}
	current := existing != nil && existing.Annotations[AnnotationConfigHash] == hash

	switch action {
	case engine.ActionStopped:
		if existing == nil || ptr.Deref(existing.Spec.Replicas, 1) == 0 {
			return false, nil
		}
		existing.Spec.Replicas = ptr.To[int32](0)
		if _, err := deployments.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
			return false, wrapErr("scale deployment", err)
		}
		d.logger.Info().Str("service", def.Name).Msg("Service scaled to zero")
		return true, nil

	case engine.ActionRestarted:
		if current {
			if existing.Spec.Template.Annotations == nil {
				existing.Spec.Template.Annotations = make(map[string]string, 1)
			}
			existing.Spec.Template.Annotations[AnnotationRestartedAt] = d.now().UTC().Format(time.RFC3339)
			existing.Spec.Replicas = ptr.To[int32](1)
			if _, err := deployments.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
				return false, wrapErr("restart deployment", err)
			}
			d.logger.Info().Str("service", def.Name).Msg("Service restarted")
			return true, nil
		}

	default:
		if current && ptr.Deref(existing.Spec.Replicas, 1) > 0 {
			return false, nil
		}
		if current {
			existing.Spec.Replicas = ptr.To[int32](1)
			if _, err := deployments.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
				return false, wrapErr("scale deployment", err)
			}
			return true, nil
		}
	}

	desired, err := d.deployment(ctx, project, name, hash, def)
	if err != nil {
		return false, err
	}
	if existing == nil {
		if _, err := deployments.Create(ctx, desired, metav1.CreateOptions{}); err != nil {
			return false, wrapErr("create deployment", err)
		}
	} else {
		d.logger.Info().Str("service", def.Name).Msg("Definition changed, updating deployment")
		desired.ResourceVersion = existing.ResourceVersion
		if _, err := deployments.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
			return false, wrapErr("update deployment", err)
		}
	}

	if err := d.ensureService(ctx, project, name, def); err != nil {
		return false, err
	}
	d.logger.Info().Str("service", def.Name).Str("deployment", name).Str("image", def.Image).Msg("Service applied")
	return true, nil
}

// deployment renders the Deployment of a service definition.
func (d *Driver) deployment(ctx context.Context, project, name, hash string, def engine.ServiceDefinition) (*appsv1.Deployment, error) {
	labels, annotations := splitLabels(def.Labels)
	annotations[AnnotationConfigHash] = hash

	c := corev1.Container{
		Name:       objectName(def.Name),
		Image:      def.Image,
		Command:    def.Entrypoint,
		Args:       def.Command,
		WorkingDir: def.WorkingDir,
		Stdin:      def.StdinOpen,
		TTY:        def.Tty,
	}

	ports, err := containerPorts(def.Ports)
	if err != nil {
		return nil, engine.ErrConfigInvalid("services."+def.Name+".ports", err)
	}
	c.Ports = ports

	if def.User != "" {
		uid, err := strconv.ParseInt(strings.SplitN(def.User, ":", 2)[0], 10, 64)
		if err != nil {
			d.logger.Warn().Str("service", def.Name).Str("user", def.User).Msg("Non-numeric user is not supported by the k8s engine, ignoring")
		} else {
			c.SecurityContext = &corev1.SecurityContext{RunAsUser: ptr.To(uid)}
		}
	}

	env := make(map[string]string, len(def.Environment)+len(def.Secrets))
	for k, v := range def.Environment {
		env[k] = v
	}

	podSpec := corev1.PodSpec{RestartPolicy: corev1.RestartPolicyAlways}
	if def.Restart == "no" {
		d.logger.Warn().Str("service", def.Name).Msg("Deployments always restart their pods, ignoring restart: no")
	}

	volumes, mounts, err := d.volumes(ctx, project, def)
	if err != nil {
		return nil, err
	}
	secretVolumes, secretMounts, secretEnv := secretMounts(project, def)
	podSpec.Volumes = append(volumes, secretVolumes...)
	c.VolumeMounts = append(mounts, secretMounts...)
	for k, v := range secretEnv {
		env[k] = v
	}
	c.Env = envVars(env)

	if err := d.applyOptions(&podSpec, &c, def); err != nil {
		return nil, engine.ErrConfigInvalid("services."+def.Name, err)
	}
	podSpec.Containers = []corev1.Container{c}

	selector := selectorLabels(project, def.Name)
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   d.namespace,
			Labels:      objectLabels(project, def.Name, labels),
			Annotations: annotations,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To[int32](1),
			Selector: &metav1.LabelSelector{MatchLabels: selector},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: objectLabels(project, def.Name, labels)},
				Spec:       podSpec,
			},
		},
	}, nil
}

// splitLabels keeps the labels the API accepts and moves the rest to
// annotations.
func splitLabels(in map[string]string) (map[string]string, map[string]string) {
	labels := make(map[string]string, len(in))
	annotations := make(map[string]string, 1)
	for k, v := range in {
		if len(validation.IsQualifiedName(k)) == 0 && len(validation.IsValidLabelValue(v)) == 0 {
			labels[k] = v
			continue
		}
		annotations[k] = v
	}
	return labels, annotations
}

func envVars(env map[string]string) []corev1.EnvVar {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]corev1.EnvVar, 0, len(keys))
	for _, k := range keys {
		out = append(out, corev1.EnvVar{Name: k, Value: env[k]})
	}
	return out
}

// portMapping is one published port: the Service port and the container port.
type portMapping struct {
	port     int32
	target   int32
	protocol corev1.Protocol
}

func portMappings(specs []string) ([]portMapping, error) {
	mappings, err := nat.ParsePortSpecs(specs)
	if err != nil {
		return nil, err
	}
	var out []portMapping
	for port, bindings := range mappings {
		target := int32(port.Int())
		protocol := corev1.Protocol(strings.ToUpper(port.Proto()))
		published := target
		for _, b := range bindings {
			if b.HostPort == "" {
				continue
			}
			hp, err := strconv.ParseInt(b.HostPort, 10, 32)
			if err != nil {
				return nil, fmt.Errorf("invalid host port %q: %w", b.HostPort, err)
			}
			published = int32(hp)
			break
		}
		out = append(out, portMapping{port: published, target: target, protocol: protocol})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].target != out[j].target {
			return out[i].target < out[j].target
		}
		return out[i].protocol < out[j].protocol
	})
	return out, nil
}

func containerPorts(specs []string) ([]corev1.ContainerPort, error) {
	mappings, err := portMappings(specs)
	if err != nil {
		return nil, err
	}
	var out []corev1.ContainerPort
	for _, m := range mappings {
		out = append(out, corev1.ContainerPort{ContainerPort: m.target, Protocol: m.protocol})
	}
	return out, nil
}

// volumes maps named volumes to claims and anonymous volumes to emptyDirs.
// Host paths are skipped.
func (d *Driver) volumes(ctx context.Context, project string, def engine.ServiceDefinition) ([]corev1.Volume, []corev1.VolumeMount, error) {
	var volumes []corev1.Volume
	var mounts []corev1.VolumeMount
	for i, spec := range def.Volumes {
		parts := strings.Split(spec, ":")
		readOnly := len(parts) == 3 && strings.Contains(parts[2], "ro")
		volName := fmt.Sprintf("vol-%d", i)

		switch {
		case len(parts) == 1:
			volumes = append(volumes, corev1.Volume{
				Name:         volName,
				VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
			})
			mounts = append(mounts, corev1.VolumeMount{Name: volName, MountPath: parts[0]})

		case path.IsAbs(parts[0]) || strings.HasPrefix(parts[0], "."):
			d.logger.Warn().Str("service", def.Name).Str("volume", spec).Msg("Host paths are not supported by the k8s engine, ignoring")

		default:
			claim, err := d.ensureClaim(ctx, project, def.Name, parts[0])
			if err != nil {
				return nil, nil, err
			}
			volumes = append(volumes, corev1.Volume{
				Name: volName,
				VolumeSource: corev1.VolumeSource{
					PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: claim},
				},
			})
			mounts = append(mounts, corev1.VolumeMount{Name: volName, MountPath: parts[1], ReadOnly: readOnly})
		}
	}
	return volumes, mounts, nil
}

// secretMounts binds secrets from the project Secret. A secret bound to an
// absolute path is mounted there as a single file. A secret bound to a
// variable name gets the variable set to its file under SecretsDir.
func secretMounts(project string, def engine.ServiceDefinition) ([]corev1.Volume, []corev1.VolumeMount, map[string]string) {
	if len(def.Secrets) == 0 {
		return nil, nil, nil
	}
	vol := def.SecretsVolume
	if vol == "" {
		vol = engine.SecretsVolumeName(project)
	}

	names := make([]string, 0, len(def.Secrets))
	for name := range def.Secrets {
		names = append(names, name)
	}
	sort.Strings(names)

	volumes := []corev1.Volume{{
		Name: "secrets",
		VolumeSource: corev1.VolumeSource{
			Secret: &corev1.SecretVolumeSource{SecretName: objectName(vol)},
		},
	}}
	var mounts []corev1.VolumeMount
	env := make(map[string]string)
	sharedDir := false
	for _, name := range names {
		target := def.Secrets[name]
		if path.IsAbs(target) {
			mounts = append(mounts, corev1.VolumeMount{Name: "secrets", MountPath: target, SubPath: name, ReadOnly: true})
			continue
		}
		env[target] = path.Join(SecretsDir, name)
		sharedDir = true
	}
	if sharedDir {
		mounts = append(mounts, corev1.VolumeMount{Name: "secrets", MountPath: SecretsDir, ReadOnly: true})
	}
	return volumes, mounts, env
}

// applyOptions maps the compose options a pod can express.
func (d *Driver) applyOptions(pod *corev1.PodSpec, c *corev1.Container, def engine.ServiceDefinition) error {
	keys := make([]string, 0, len(def.Options))
	for k := range def.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		raw := def.Options[key]
		switch key {
		case "hostname":
			pod.Hostname = fmt.Sprint(raw)
		case "privileged", "read_only":
			v, ok := raw.(bool)
			if !ok {
				return fmt.Errorf("%s must be a boolean", key)
			}
			if c.SecurityContext == nil {
				c.SecurityContext = &corev1.SecurityContext{}
			}
			if key == "privileged" {
				c.SecurityContext.Privileged = ptr.To(v)
			} else {
				c.SecurityContext.ReadOnlyRootFilesystem = ptr.To(v)
			}
		case "cap_add", "cap_drop":
			list, ok := raw.([]interface{})
			if !ok {
				return fmt.Errorf("%s must be a list", key)
			}
			if c.SecurityContext == nil {
				c.SecurityContext = &corev1.SecurityContext{}
			}
			if c.SecurityContext.Capabilities == nil {
				c.SecurityContext.Capabilities = &corev1.Capabilities{}
			}
			for _, item := range list {
				capability := corev1.Capability(fmt.Sprint(item))
				if key == "cap_add" {
					c.SecurityContext.Capabilities.Add = append(c.SecurityContext.Capabilities.Add, capability)
				} else {
					c.SecurityContext.Capabilities.Drop = append(c.SecurityContext.Capabilities.Drop, capability)
				}
			}
		case "stop_grace_period":
			grace, err := time.ParseDuration(fmt.Sprint(raw))
			if err != nil {
				return fmt.Errorf("invalid stop_grace_period: %w", err)
			}
			pod.TerminationGracePeriodSeconds = ptr.To(int64(grace.Seconds()))
		default:
			d.logger.Warn().Str("service", def.Name).Str("option", key).Msg("Option not supported by the k8s engine, ignoring")
		}
	}
	return nil
}

// ensureService creates, updates or removes the Service fronting a
// deployment so it matches the published ports.
func (d *Driver) ensureService(ctx context.Context, project, name string, def engine.ServiceDefinition) error {
	services := d.client.CoreV1().Services(d.namespace)
	mappings, err := portMappings(def.Ports)
	if err != nil {
		return engine.ErrConfigInvalid("services."+def.Name+".ports", err)
	}

	if len(mappings) == 0 {
		if err := ignoreNotFound(services.Delete(ctx, name, metav1.DeleteOptions{})); err != nil {
			return wrapErr("delete service", err)
		}
		return nil
	}

	ports := make([]corev1.ServicePort, 0, len(mappings))
	for _, m := range mappings {
		ports = append(ports, corev1.ServicePort{
			Name:       fmt.Sprintf("%d-%s", m.port, strings.ToLower(string(m.protocol))),
			Port:       m.port,
			TargetPort: intstr.FromInt32(m.target),
			Protocol:   m.protocol,
		})
	}
	desired := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: d.namespace,
			Labels:    objectLabels(project, def.Name, nil),
		},
		Spec: corev1.ServiceSpec{
			Selector: selectorLabels(project, def.Name),
			Ports:    ports,
		},
	}

	existing, err := services.Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		if _, err := services.Create(ctx, desired, metav1.CreateOptions{}); err != nil {
			return wrapErr("create service", err)
		}
		return nil
	}
	if err != nil {
		return wrapErr("get service", err)
	}
	existing.Spec.Ports = desired.Spec.Ports
	existing.Spec.Selector = desired.Spec.Selector
	if _, err := services.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return wrapErr("update service", err)
	}
	return nil
}

// definitionHash identifies a definition so drift can be detected.
func definitionHash(def engine.ServiceDefinition) (string, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return "", fmt.Errorf("failed to hash definition of %s: %w", def.Name, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// RemoveService deletes the service's Deployment and Service. With
// removeVolumes the service's claims go too.
func (d *Driver) RemoveService(ctx context.Context, project, service string, removeVolumes bool) (bool, error) {
	name := objectName(project, service)
	changed := true
	err := d.client.AppsV1().Deployments(d.namespace).Delete(ctx, name, metav1.DeleteOptions{
		PropagationPolicy: ptr.To(metav1.DeletePropagationForeground),
	})
	if apierrors.IsNotFound(err) {
		changed = false
	} else if err != nil {
		return false, wrapErr("delete deployment", err)
	}

	if err := ignoreNotFound(d.client.CoreV1().Services(d.namespace).Delete(ctx, name, metav1.DeleteOptions{})); err != nil {
		return changed, wrapErr("delete service", err)
	}

	if removeVolumes {
		removed, err := d.removeClaims(ctx, project, service)
		if err != nil {
			return changed, err
		}
		changed = changed || removed
	}
	return changed, nil
}

// RemoveImages is a no-op; the cluster holds no project images of its own.
func (d *Driver) RemoveImages(ctx context.Context, prefix string) (bool, error) {
	d.logger.Debug().Str("prefix", prefix).Msg("Images are not managed by the k8s engine, skipping")
	return false, nil
}
