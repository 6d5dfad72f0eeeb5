package k8s

import (
	"context"
	"fmt"
	"maps"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/rolecraft/rolecraft/pkg/engine"
)

// DefaultClaimSize is the storage requested for a named volume.
var DefaultClaimSize = resource.MustParse("1Gi")

// ensureClaim returns the claim backing a named volume, creating it if needed.
func (d *Driver) ensureClaim(ctx context.Context, project, service, volume string) (string, error) {
	name := objectName(project, volume)
	claims := d.client.CoreV1().PersistentVolumeClaims(d.namespace)

	_, err := claims.Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		return name, nil
	}
	if !apierrors.IsNotFound(err) {
		return "", wrapErr("get claim", err)
	}

	claim := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: d.namespace,
			Labels:    objectLabels(project, service, nil),
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: DefaultClaimSize},
			},
		},
	}
	if _, err := claims.Create(ctx, claim, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
		return "", wrapErr("create claim", err)
	}
	d.logger.Debug().Str("claim", name).Str("service", service).Msg("Created volume claim")
	return name, nil
}

// removeClaims deletes the claims created for a service.
func (d *Driver) removeClaims(ctx context.Context, project, service string) (bool, error) {
	claims := d.client.CoreV1().PersistentVolumeClaims(d.namespace)
	list, err := claims.List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(selectorLabels(project, service)).String(),
	})
	if err != nil {
		return false, wrapErr("list claims", err)
	}

	changed := false
	for _, claim := range list.Items {
		if err := ignoreNotFound(claims.Delete(ctx, claim.Name, metav1.DeleteOptions{})); err != nil {
			return changed, wrapErr("delete claim", err)
		}
		changed = true
	}
	return changed, nil
}

// WriteSecrets stores the payloads in a Secret named after the volume.
// An unchanged Secret is not a change.
func (d *Driver) WriteSecrets(ctx context.Context, project, volume string, secrets map[string][]byte) (bool, error) {
	if len(secrets) == 0 {
		return false, nil
	}
	for key := range secrets {
		if errs := validation.IsConfigMapKey(key); len(errs) > 0 {
			return false, engine.ErrConfigInvalid("secrets."+key, fmt.Errorf("invalid secret name: %s", strings.Join(errs, "; ")))
		}
	}

	name := objectName(volume)
	api := d.client.CoreV1().Secrets(d.namespace)
	existing, err := api.Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err := api.Create(ctx, &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{
				Name:      name,
				Namespace: d.namespace,
				Labels:    map[string]string{LabelProject: objectName(project), LabelManagedBy: managedBy},
			},
			Type: corev1.SecretTypeOpaque,
			Data: secrets,
		}, metav1.CreateOptions{})
		if err != nil {
			return false, wrapErr("create secret", err)
		}
		d.logger.Info().Str("secret", name).Int("secrets", len(secrets)).Msg("Wrote secrets")
		return true, nil
	}
	if err != nil {
		return false, wrapErr("get secret", err)
	}

	if maps.EqualFunc(existing.Data, secrets, func(a, b []byte) bool { return string(a) == string(b) }) {
		return false, nil
	}
	existing.Data = secrets
	if _, err := api.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return false, wrapErr("update secret", err)
	}
	d.logger.Info().Str("secret", name).Int("secrets", len(secrets)).Msg("Updated secrets")
	return true, nil
}

// RemoveVolume deletes the Secret or claim backing a volume. An absent
// volume is not a change.
func (d *Driver) RemoveVolume(ctx context.Context, project, name string) (bool, error) {
	err := d.client.CoreV1().Secrets(d.namespace).Delete(ctx, objectName(name), metav1.DeleteOptions{})
	if err == nil {
		return true, nil
	}
	if !apierrors.IsNotFound(err) {
		return false, wrapErr("delete secret", err)
	}

	err = d.client.CoreV1().PersistentVolumeClaims(d.namespace).Delete(ctx, objectName(project, name), metav1.DeleteOptions{})
	if err == nil {
		return true, nil
	}
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	return false, wrapErr("delete claim", err)
}
