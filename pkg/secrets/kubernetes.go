/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package secrets

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	// ManagedByLabel marks Secrets written by the sink
	ManagedByLabel = "app.kubernetes.io/managed-by"
	managedByValue = "vaultops"
	serviceLabel   = "vaultops.arpanrec.com/service"
)

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// KubernetesConfig selects the namespace secrets are mirrored to
type KubernetesConfig struct {
	Kubeconfig string `mapstructure:"kubeconfig" yaml:"kubeconfig"`
	Namespace  string `mapstructure:"namespace" yaml:"namespace"`
	NamePrefix string `mapstructure:"name_prefix" yaml:"name_prefix"`
}

// Enabled reports whether a Kubernetes sink is configured
func (c KubernetesConfig) Enabled() bool {
	return c.Namespace != ""
}

// KubernetesSink stores each service as an Opaque Secret
type KubernetesSink struct {
	client     kubernetes.Interface
	namespace  string
	namePrefix string
}

// NewKubernetesSink builds a clientset from the kubeconfig, falling back to
// the in-cluster config when the path is empty.
func NewKubernetesSink(cfg KubernetesConfig) (*KubernetesSink, error) {
	restConfig, err := clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("load kubeconfig: %w", err)
	}
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return newKubernetesSink(client, cfg), nil
}

func newKubernetesSink(client kubernetes.Interface, cfg KubernetesConfig) *KubernetesSink {
	return &KubernetesSink{client: client, namespace: cfg.Namespace, namePrefix: cfg.NamePrefix}
}

// Name implements Sink
func (s *KubernetesSink) Name() string {
	return "kubernetes"
}

// SecretName maps a service name onto a valid Secret name
func (s *KubernetesSink) SecretName(service string) string {
	name := invalidNameChars.ReplaceAllString(strings.ToLower(s.namePrefix+service), "-")
	name = strings.Trim(name, "-")
	if len(name) > 253 {
		name = strings.TrimRight(name[:253], "-")
	}
	return name
}

// Push implements Sink. A Secret that already holds the same data is left
// untouched.
func (s *KubernetesSink) Push(ctx context.Context, payload Payload) error {
	secrets := s.client.CoreV1().Secrets(s.namespace)

	for _, service := range payload.Services() {
		data := make(map[string][]byte, len(payload[service]))
		for k, v := range payload[service] {
			str, err := stringify(v)
			if err != nil {
				return fmt.Errorf("%s.%s: %w", service, k, err)
			}
			data[k] = []byte(str)
		}
		name := s.SecretName(service)

		existing, err := secrets.Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			secret := &corev1.Secret{
				ObjectMeta: metav1.ObjectMeta{
					Name:      name,
					Namespace: s.namespace,
					Labels:    map[string]string{ManagedByLabel: managedByValue, serviceLabel: invalidNameChars.ReplaceAllString(strings.ToLower(service), "-")},
				},
				Type: corev1.SecretTypeOpaque,
				Data: data,
			}
			if _, err := secrets.Create(ctx, secret, metav1.CreateOptions{}); err != nil {
				return fmt.Errorf("create secret %s/%s: %w", s.namespace, name, err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("get secret %s/%s: %w", s.namespace, name, err)
		}

		if existing.Labels[ManagedByLabel] != managedByValue {
			return fmt.Errorf("secret %s/%s exists and is not managed by %s", s.namespace, name, managedByValue)
		}
		if sameData(existing.Data, data) {
			continue
		}
		updated := existing.DeepCopy()
		updated.Data = data
		if _, err := secrets.Update(ctx, updated, metav1.UpdateOptions{}); err != nil {
			return fmt.Errorf("update secret %s/%s: %w", s.namespace, name, err)
		}
	}
	return nil
}

func sameData(a, b map[string][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !bytes.Equal(v, w) {
			return false
		}
	}
	return true
}
