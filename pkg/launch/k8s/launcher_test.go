package k8s_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opst/deepff/pkg/launch"
	"github.com/opst/deepff/pkg/launch/k8s"
	"github.com/opst/deepff/pkg/launch/k8s/mock"
	"github.com/opst/deepff/pkg/utils/try"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
)

// cluster fakes jobs which finish at the second poll, exiting with exitCodes[job name label].
type cluster struct {
	mu      sync.Mutex
	jobs    map[string]*kubebatch.Job
	polls   map[string]int
	exits   map[string]int32
	deleted []string
}

func newCluster(exits map[string]int32) (*cluster, *mock.MockClient) {
	c := &cluster{
		jobs:  map[string]*kubebatch.Job{},
		polls: map[string]int{},
		exits: exits,
	}
	client := mock.NewMockClient()
	client.Impl.CreateJob = func(ctx context.Context, namespace string, job *kubebatch.Job) (*kubebatch.Job, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.jobs[job.Name] = job.DeepCopy()
		return job, nil
	}
	client.Impl.GetJob = func(ctx context.Context, namespace string, name string) (*kubebatch.Job, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.polls[name] += 1
		j := c.jobs[name].DeepCopy()
		if c.polls[name] < 2 {
			return j, nil
		}
		typ := kubebatch.JobComplete
		if c.exitOf(j) != 0 {
			typ = kubebatch.JobFailed
		}
		j.Status.Conditions = []kubebatch.JobCondition{{Type: typ, Status: kubecore.ConditionTrue}}
		return j, nil
	}
	client.Impl.FindPods = func(ctx context.Context, namespace string, labels map[string]string) ([]kubecore.Pod, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		for _, j := range c.jobs {
			if j.Spec.Template.Labels[k8s.LabelJob] != labels[k8s.LabelJob] {
				continue
			}
			return []kubecore.Pod{{
				Status: kubecore.PodStatus{
					ContainerStatuses: []kubecore.ContainerStatus{{
						Name: "main",
						State: kubecore.ContainerState{
							Terminated: &kubecore.ContainerStateTerminated{ExitCode: c.exitOf(j), Reason: "Error"},
						},
					}},
				},
			}}, nil
		}
		return []kubecore.Pod{}, nil
	}
	client.Impl.DeleteJob = func(ctx context.Context, namespace string, name string) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.deleted = append(c.deleted, name)
		return nil
	}
	return c, client
}

// exitOf looks up the exit code by DEEPFF_JOB env of the job.
func (c *cluster) exitOf(j *kubebatch.Job) int32 {
	for _, e := range j.Spec.Template.Spec.Containers[0].Env {
		if e.Name == "DEEPFF_JOB" {
			return c.exits[e.Value]
		}
	}
	return 0
}

func request(name string, host string, device string) launch.Request {
	return launch.Request{
		Name:    name,
		Command: "dp train input.json",
		Dir:     "/work/deepff/iter_0/01.train/" + name,
		Host:    host,
		Device:  device,
		Env:     map[string]string{"DEEPFF_JOB": name},
	}
}

func TestLauncher(t *testing.T) {
	c, client := newCluster(map[string]int32{"b": 3})
	testee := &k8s.Launcher{
		Client:       client,
		Namespace:    "deepff",
		Image:        "example.com/deepmd:latest",
		Workdir:      "/work/deepff",
		WorkdirMount: "/data",
		RunID:        "run-1",
		Interval:     time.Millisecond,
	}

	results := testee.Launch(
		context.Background(),
		[]launch.Request{request("a", "node-0", "0"), request("b", "node-1", "")},
		1,
	)

	if !results[0].Succeeded() || results[0].Name != "a" {
		t.Errorf("a: %s", results[0])
	}
	if results[1].Succeeded() || results[1].ExitCode != 3 || results[1].Err != nil {
		t.Errorf("b: %s", results[1])
	}
	if client.Called.CreateJob != 2 || client.Called.DeleteJob != 2 {
		t.Errorf("called: %+v", client.Called)
	}
	if len(c.deleted) != 2 {
		t.Errorf("deleted: %v", c.deleted)
	}
}

func TestLauncher_Cancel(t *testing.T) {
	_, client := newCluster(map[string]int32{})
	client.Impl.GetJob = func(ctx context.Context, namespace string, name string) (*kubebatch.Job, error) {
		return &kubebatch.Job{}, nil
	}
	testee := &k8s.Launcher{
		Client: client, Namespace: "deepff", Image: "img", Workdir: "/work/deepff", Interval: time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	results := testee.Launch(ctx, []launch.Request{request("a", "node-0", "")}, 1)

	if !errors.Is(results[0].Err, context.DeadlineExceeded) {
		t.Errorf("result: %s", results[0])
	}
	if client.Called.DeleteJob != 1 {
		t.Errorf("job is not deleted: %+v", client.Called)
	}
}

func TestJobSpec(t *testing.T) {
	testee := &k8s.Launcher{
		Namespace: "deepff", Image: "img", Workdir: "/work/deepff", WorkdirMount: "/data",
		GPUResource: "nvidia.com/gpu", RunID: "run-1",
	}

	t.Run("it pins the job to the remote host, and leaves device selection to the cluster", func(t *testing.T) {
		req := request("sys_0/task_1", "node-3", "2")
		req.Remote = true
		job := try.To(testee.JobSpec(req)).OrFatal(t)

		if len(job.Name) > 63 || job.Name[:len("deepff-sys-0-task-1-")] != "deepff-sys-0-task-1-" {
			t.Errorf("name: %s", job.Name)
		}
		if job.Labels[k8s.LabelRun] != "run-1" || job.Spec.Template.Labels[k8s.LabelJob] == "" {
			t.Errorf("labels: %v", job.Labels)
		}
		pod := job.Spec.Template.Spec
		if pod.NodeName != "node-3" || pod.RestartPolicy != kubecore.RestartPolicyNever {
			t.Errorf("pod: %+v", pod)
		}
		c := pod.Containers[0]
		if c.WorkingDir != "/data/iter_0/01.train/sys_0/task_1" {
			t.Errorf("working dir: %s", c.WorkingDir)
		}
		if c.Command[2] != "dp train input.json" {
			t.Errorf("command: %v", c.Command)
		}
		gpu := c.Resources.Limits["nvidia.com/gpu"]
		if gpu.Value() != 1 {
			t.Errorf("gpu limit: %v", c.Resources.Limits)
		}
		for _, e := range c.Env {
			if e.Name == "CUDA_VISIBLE_DEVICES" {
				t.Errorf("CUDA_VISIBLE_DEVICES is set: %v", c.Env)
			}
		}
		if len(c.Env) != 1 || c.Env[0].Name != "DEEPFF_JOB" {
			t.Errorf("env: %v", c.Env)
		}
		if pod.Volumes[0].HostPath.Path != "/work/deepff" {
			t.Errorf("volume: %+v", pod.Volumes[0])
		}
	})

	t.Run("it lets the scheduler pick a node for a local job", func(t *testing.T) {
		req := request("0", "controller-host", "1")
		job := try.To(testee.JobSpec(req)).OrFatal(t)

		pod := job.Spec.Template.Spec
		if pod.NodeName != "" {
			t.Errorf("node name: %s", pod.NodeName)
		}
		gpu := pod.Containers[0].Resources.Limits["nvidia.com/gpu"]
		if gpu.Value() != 1 {
			t.Errorf("gpu limit: %v", pod.Containers[0].Resources.Limits)
		}
	})

	t.Run("a CPU job requests no GPU", func(t *testing.T) {
		req := request("0", "node-0", "")
		req.Remote = true
		job := try.To(testee.JobSpec(req)).OrFatal(t)
		if limits := job.Spec.Template.Spec.Containers[0].Resources.Limits; len(limits) != 0 {
			t.Errorf("limits: %v", limits)
		}
	})

	t.Run("it rejects a directory out of the work directory", func(t *testing.T) {
		req := request("a", "node-0", "")
		req.Dir = "/elsewhere/a"
		if _, err := testee.JobSpec(req); err == nil {
			t.Errorf("expected error")
		}
	})
}
