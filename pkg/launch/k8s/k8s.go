package k8s

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	kubelabels "k8s.io/apimachinery/pkg/labels"
	k8s "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

// subset of k8s.Clientset
type K8sClient interface {
	CreateJob(ctx context.Context, namespace string, job *kubebatch.Job) (*kubebatch.Job, error)
	GetJob(ctx context.Context, namespace string, name string) (*kubebatch.Job, error)
	DeleteJob(ctx context.Context, namespace string, name string) error
	FindPods(ctx context.Context, namespace string, labels map[string]string) ([]kubecore.Pod, error)
}

// A wrapper for the type k8s.Clientset; because it does not prefer method chain-style invocations of that type.
type k8sClient struct {
	client *k8s.Clientset
}

// type check: k8sClient implements K8sClient
var _ K8sClient = &k8sClient{}

func (k *k8sClient) CreateJob(ctx context.Context, namespace string, job *kubebatch.Job) (*kubebatch.Job, error) {
	return k.client.BatchV1().Jobs(namespace).Create(ctx, job, kubeapimeta.CreateOptions{})
}

func (k *k8sClient) GetJob(ctx context.Context, namespace string, name string) (*kubebatch.Job, error) {
	return k.client.BatchV1().Jobs(namespace).Get(ctx, name, kubeapimeta.GetOptions{})
}

func (k *k8sClient) DeleteJob(ctx context.Context, namespace string, name string) error {
	foreground := kubeapimeta.DeletePropagationForeground
	zero := int64(0)
	return k.client.BatchV1().Jobs(namespace).Delete(ctx, name, kubeapimeta.DeleteOptions{
		GracePeriodSeconds: &zero,
		PropagationPolicy:  &foreground,
	})
}

func (k *k8sClient) FindPods(ctx context.Context, namespace string, labels map[string]string) ([]kubecore.Pod, error) {
	resp, err := k.client.CoreV1().Pods(namespace).List(ctx, kubeapimeta.ListOptions{
		LabelSelector: kubelabels.SelectorFromSet(labels).String(),
	})
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func WrapK8sClient(c *k8s.Clientset) K8sClient {
	return &k8sClient{client: c}
}

// ConnectToK8s detects *kubernetes.Clientset.
//
// It searches kubeconfig from, in order of priority (least first),
//
// - `~/.kube/config`
//
// - environmental variable `KUBECONFIG`
//
// - the kubeconfig parameter
//
// When no files are found from above, it tries to use in-cluster config.
func ConnectToK8s(kubeconfig string) (*k8s.Clientset, error) {
	path := ""
	if home := homedir.HomeDir(); home != "" {
		path = filepath.Join(home, ".kube", "config")
	}
	if k := os.Getenv("KUBECONFIG"); k != "" {
		path = k
	}
	if kubeconfig != "" {
		path = kubeconfig
	}

	if path != "" {
		stat, err := os.Stat(path)
		if os.IsNotExist(err) || (err == nil && stat.IsDir()) {
			if path == kubeconfig {
				return nil, fmt.Errorf("kubeconfig %s is not found", kubeconfig)
			}
			path = ""
		}
	}

	var config *rest.Config
	var err error
	if path == "" {
		config, err = rest.InClusterConfig()
	} else {
		config, err = clientcmd.BuildConfigFromFlags("", path)
	}
	if err != nil {
		return nil, err
	}
	return k8s.NewForConfig(config)
}
