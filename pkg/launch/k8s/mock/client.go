package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/opst/deepff/pkg/launch/k8s"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
)

type MockClient struct {
	mu sync.Mutex

	Impl struct {
		CreateJob func(ctx context.Context, namespace string, job *kubebatch.Job) (*kubebatch.Job, error)
		GetJob    func(ctx context.Context, namespace string, name string) (*kubebatch.Job, error)
		DeleteJob func(ctx context.Context, namespace string, name string) error
		FindPods  func(ctx context.Context, namespace string, labels map[string]string) ([]kubecore.Pod, error)
	}
	Called struct {
		CreateJob uint64
		GetJob    uint64
		DeleteJob uint64
		FindPods  uint64
	}
}

// MockClient implements k8s.K8sClient
var _ k8s.K8sClient = &MockClient{}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) CreateJob(ctx context.Context, namespace string, job *kubebatch.Job) (*kubebatch.Job, error) {
	m.mu.Lock()
	m.Called.CreateJob += 1
	impl := m.Impl.CreateJob
	m.mu.Unlock()
	if impl == nil {
		return nil, errors.New("[MOCK] not implemented")
	}
	return impl(ctx, namespace, job)
}

func (m *MockClient) GetJob(ctx context.Context, namespace string, name string) (*kubebatch.Job, error) {
	m.mu.Lock()
	m.Called.GetJob += 1
	impl := m.Impl.GetJob
	m.mu.Unlock()
	if impl == nil {
		return nil, errors.New("[MOCK] not implemented")
	}
	return impl(ctx, namespace, name)
}

func (m *MockClient) DeleteJob(ctx context.Context, namespace string, name string) error {
	m.mu.Lock()
	m.Called.DeleteJob += 1
	impl := m.Impl.DeleteJob
	m.mu.Unlock()
	if impl == nil {
		return errors.New("[MOCK] not implemented")
	}
	return impl(ctx, namespace, name)
}

func (m *MockClient) FindPods(ctx context.Context, namespace string, labels map[string]string) ([]kubecore.Pod, error) {
	m.mu.Lock()
	m.Called.FindPods += 1
	impl := m.Impl.FindPods
	m.mu.Unlock()
	if impl == nil {
		return nil, errors.New("[MOCK] not implemented")
	}
	return impl(ctx, namespace, labels)
}
