package eks

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"

	"github.com/videoproc-hackathon/provisioner/internal/plan"
)

// DeployInput parameterizes the workload scheduled onto the node group.
type DeployInput struct {
	Workload  plan.Workload
	Namespace string
	// NodePort exposes the service on every worker node; the target group
	// registers instances against this port.
	NodePort int
	// SecretName is the pre-existing Kubernetes Secret holding the
	// credential entries, keyed by env var name. It is a read-only shared
	// input, created outside this system.
	SecretName string
}

// DeployWorkload applies the Deployment and NodePort Service for the
// workload. Liveness and readiness probes point at the same path and port as
// the target group's health check, so the orchestrator and the gateway can
// never disagree about what healthy means.
func DeployWorkload(ctx context.Context, clientset kubernetes.Interface, in DeployInput) error {
	w := in.Workload
	labels := map[string]string{"app": w.Name}

	env := make([]corev1.EnvVar, 0, len(w.Env)+len(w.Secrets))
	for _, e := range w.Env {
		env = append(env, corev1.EnvVar{Name: e.Name, Value: e.Value})
	}
	for _, s := range w.Secrets {
		env = append(env, corev1.EnvVar{
			Name: s.Name,
			ValueFrom: &corev1.EnvVarSource{
				SecretKeyRef: &corev1.SecretKeySelector{
					LocalObjectReference: corev1.LocalObjectReference{Name: in.SecretName},
					Key:                  s.Name,
				},
			},
		})
	}

	probe := &corev1.Probe{
		ProbeHandler: corev1.ProbeHandler{
			HTTPGet: &corev1.HTTPGetAction{
				Path: w.Health.Path,
				Port: intstr.FromInt(w.ContainerPort),
			},
		},
		PeriodSeconds:    int32(w.Health.IntervalSeconds),
		SuccessThreshold: 1,
		FailureThreshold: int32(w.Health.UnhealthyThreshold),
	}

	replicas := int32(w.DesiredCount)
	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      w.Name,
			Namespace: in.Namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  w.Name,
						Image: w.Image,
						Ports: []corev1.ContainerPort{{
							ContainerPort: int32(w.ContainerPort),
						}},
						Env:            env,
						LivenessProbe:  probe,
						ReadinessProbe: probe,
					}},
				},
			},
		},
	}

	service := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      w.Name,
			Namespace: in.Namespace,
			Labels:    labels,
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeNodePort,
			Selector: labels,
			Ports: []corev1.ServicePort{{
				Port:       int32(w.ContainerPort),
				TargetPort: intstr.FromInt(w.ContainerPort),
				NodePort:   int32(in.NodePort),
			}},
		},
	}

	deployments := clientset.AppsV1().Deployments(in.Namespace)
	if _, err := deployments.Create(ctx, deployment, metav1.CreateOptions{}); err != nil {
		if !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("creating deployment %s: %w", w.Name, err)
		}
		if _, err := deployments.Update(ctx, deployment, metav1.UpdateOptions{}); err != nil {
			return fmt.Errorf("updating deployment %s: %w", w.Name, err)
		}
	}

	services := clientset.CoreV1().Services(in.Namespace)
	if _, err := services.Create(ctx, service, metav1.CreateOptions{}); err != nil {
		if !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("creating service %s: %w", w.Name, err)
		}
		existing, err := services.Get(ctx, w.Name, metav1.GetOptions{})
		if err != nil {
			return fmt.Errorf("reading service %s: %w", w.Name, err)
		}
		// ClusterIP is immutable; carry it over on update.
		service.Spec.ClusterIP = existing.Spec.ClusterIP
		service.ResourceVersion = existing.ResourceVersion
		if _, err := services.Update(ctx, service, metav1.UpdateOptions{}); err != nil {
			return fmt.Errorf("updating service %s: %w", w.Name, err)
		}
	}

	return nil
}

// RemoveWorkload deletes the Deployment and Service during destroy.
func RemoveWorkload(ctx context.Context, clientset kubernetes.Interface, namespace, name string) error {
	if err := clientset.AppsV1().Deployments(namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting deployment %s: %w", name, err)
	}
	if err := clientset.CoreV1().Services(namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting service %s: %w", name, err)
	}
	return nil
}
