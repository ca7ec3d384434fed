package eks

import (
	"encoding/base64"
	"fmt"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// NewKubernetesClient builds a client-go clientset for a converged cluster,
// authenticating with refreshed EKS bearer tokens.
func NewKubernetesClient(cluster Cluster, tokenProvider *TokenProvider) (kubernetes.Interface, error) {
	ca, err := base64.StdEncoding.DecodeString(cluster.CertAuthority)
	if err != nil {
		return nil, fmt.Errorf("decoding cluster CA: %w", err)
	}

	config := &rest.Config{
		Host: cluster.Endpoint,
		TLSClientConfig: rest.TLSClientConfig{
			CAData: ca,
		},
		WrapTransport: tokenProvider.WrapTransport,
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("creating Kubernetes client: %w", err)
	}
	return clientset, nil
}

// KubernetesClientFor is the production wiring: token provider from the
// client's AWS config, clientset from the cluster's endpoint and CA.
func (c *Client) KubernetesClientFor(cluster Cluster) (kubernetes.Interface, error) {
	return NewKubernetesClient(cluster, NewTokenProvider(c.cfg, cluster.Name))
}
