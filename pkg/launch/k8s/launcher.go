// Package k8s launches jobs as Kubernetes batch Jobs.
//
// A job of a remote layout runs in a pod pinned to its host. Jobs of local layouts
// are placed by the scheduler. The work directory of the host is mounted at the
// same relative location.
package k8s

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeerr "k8s.io/apimachinery/pkg/api/errors"
	kubeapiresource "k8s.io/apimachinery/pkg/api/resource"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/opst/deepff/pkg/launch"
	"github.com/opst/deepff/pkg/utils/retry"
)

const (
	containerName = "main"

	LabelRun = "deepff.opst.github.io/run"
	LabelJob = "deepff.opst.github.io/job"
)

// Launcher runs requests as Jobs.
type Launcher struct {
	Client    K8sClient
	Namespace string
	Image     string

	// work directory on hosts. Request.Dir should be under it.
	Workdir string

	// mount point of the work directory in containers.
	WorkdirMount string

	// resource name of GPU, like "nvidia.com/gpu".
	GPUResource string

	// identifies jobs of this controller.
	RunID string

	// polling interval of job status. default = 5s
	Interval time.Duration

	Logger *log.Logger
}

var _ launch.Launcher = &Launcher{}

func (l *Launcher) interval() time.Duration {
	if l.Interval <= 0 {
		return 5 * time.Second
	}
	return l.Interval
}

func (l *Launcher) logf(format string, v ...any) {
	if l.Logger != nil {
		l.Logger.Printf(format, v...)
	}
}

func (l *Launcher) Launch(ctx context.Context, reqs []launch.Request, concurrency int) []launch.Result {
	results := make([]launch.Result, len(reqs))

	byHost := map[string][]int{}
	hosts := []string{}
	for i, r := range reqs {
		if _, ok := byHost[r.Host]; !ok {
			hosts = append(hosts, r.Host)
		}
		byHost[r.Host] = append(byHost[r.Host], i)
	}

	var all errgroup.Group
	for _, h := range hosts {
		idx := byHost[h]
		all.Go(func() error {
			var perHost errgroup.Group
			if 0 < concurrency {
				perHost.SetLimit(concurrency)
			}
			for _, i := range idx {
				perHost.Go(func() error {
					results[i] = l.run(ctx, reqs[i])
					return nil
				})
			}
			return perHost.Wait()
		})
	}
	_ = all.Wait()
	return results
}

func (l *Launcher) run(ctx context.Context, req launch.Request) launch.Result {
	spec, err := l.JobSpec(req)
	if err != nil {
		return launch.Result{Name: req.Name, ExitCode: -1, Err: err}
	}

	created, err := l.Client.CreateJob(ctx, l.Namespace, spec)
	if err != nil {
		return launch.Result{Name: req.Name, ExitCode: -1, Err: err}
	}
	name := created.Name
	l.logf("launch %s as job %s/%s on %s", req.Name, l.Namespace, name, req.Host)
	defer func() {
		if err := l.Client.DeleteJob(context.Background(), l.Namespace, name); err != nil && !kubeerr.IsNotFound(err) {
			l.logf("job %s/%s is not deleted: %s", l.Namespace, name, err)
		}
	}()

	job, err := retry.Blocking(ctx, retry.StaticBackoff(l.interval()), func() (*kubebatch.Job, error) {
		j, err := l.Client.GetJob(ctx, l.Namespace, name)
		if err != nil {
			return nil, err
		}
		if _, done := finished(j); !done {
			return j, retry.ErrRetry
		}
		return j, nil
	})
	if err != nil {
		return launch.Result{Name: req.Name, ExitCode: -1, Err: err}
	}

	if ok, _ := finished(job); ok {
		return launch.Result{Name: req.Name, ExitCode: 0}
	}

	pods, err := l.Client.FindPods(ctx, l.Namespace, spec.Spec.Template.Labels)
	if err != nil {
		return launch.Result{Name: req.Name, ExitCode: -1, Err: err}
	}
	if code, reason, ok := exitCode(pods); ok {
		if code == 0 {
			// the pod exited normally, but the job is marked as failed (e.g. deadline exceeded).
			return launch.Result{Name: req.Name, ExitCode: -1, Err: fmt.Errorf("job failed: %s", reason)}
		}
		return launch.Result{Name: req.Name, ExitCode: code}
	}
	return launch.Result{Name: req.Name, ExitCode: -1, Err: errors.New("job failed without terminated container")}
}

// finished tells the job has completed (ok) or failed (!ok).
func finished(j *kubebatch.Job) (ok bool, done bool) {
	for _, sc := range j.Status.Conditions {
		if sc.Status != kubecore.ConditionTrue {
			continue
		}
		switch sc.Type {
		case kubebatch.JobComplete:
			return true, true
		case kubebatch.JobFailed:
			return false, true
		}
	}
	return false, false
}

func exitCode(pods []kubecore.Pod) (int, string, bool) {
	for _, p := range pods {
		for _, c := range p.Status.ContainerStatuses {
			if c.Name != containerName {
				continue
			}
			if term := c.State.Terminated; term != nil {
				return int(term.ExitCode), term.Reason, true
			}
		}
	}
	return 0, "", false
}

var reNonAcceptableInName = regexp.MustCompile("[^-a-z0-9]+")

// JobSpec builds a Job for the request.
func (l *Launcher) JobSpec(req launch.Request) (*kubebatch.Job, error) {
	rel, err := filepath.Rel(l.Workdir, req.Dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return nil, fmt.Errorf("%s is not in the work directory %s", req.Dir, l.Workdir)
	}
	mount := l.WorkdirMount
	if mount == "" {
		mount = "/work"
	}

	id := uuid.NewString()
	labels := map[string]string{LabelJob: id}
	if l.RunID != "" {
		labels[LabelRun] = l.RunID
	}

	name := "deepff-" + strings.Trim(reNonAcceptableInName.ReplaceAllString(strings.ToLower(req.Name), "-"), "-")
	if 47 < len(name) {
		name = name[:47]
	}
	name = strings.TrimRight(name, "-") + "-" + id[:8]

	env := []kubecore.EnvVar{}
	for _, k := range sortedKeys(req.Env) {
		env = append(env, kubecore.EnvVar{Name: k, Value: req.Env[k]})
	}
	// the device plugin allocates the GPU and exposes it alone, as device 0;
	// CUDA_VISIBLE_DEVICES is left to the plugin.
	resources := kubecore.ResourceRequirements{}
	if req.Device != "" {
		gpu := l.GPUResource
		if gpu == "" {
			gpu = "nvidia.com/gpu"
		}
		resources.Limits = kubecore.ResourceList{
			kubecore.ResourceName(gpu): kubeapiresource.MustParse("1"),
		}
	}

	// hosts of local layouts are the controller's own; the scheduler picks a node for them.
	nodeName := ""
	if req.Remote {
		nodeName = req.Host
	}

	hostPath := kubecore.HostPathDirectory
	backoffLimit := int32(0)
	return &kubebatch.Job{
		ObjectMeta: kubeapimeta.ObjectMeta{
			Name:      name,
			Namespace: l.Namespace,
			Labels:    labels,
		},
		Spec: kubebatch.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: kubecore.PodTemplateSpec{
				ObjectMeta: kubeapimeta.ObjectMeta{Labels: labels},
				Spec: kubecore.PodSpec{
					RestartPolicy: kubecore.RestartPolicyNever,
					NodeName:      nodeName,
					Containers: []kubecore.Container{
						{
							Name:       containerName,
							Image:      l.Image,
							Command:    []string{"/bin/sh", "-c", req.Command},
							WorkingDir: filepath.Join(mount, rel),
							Env:        env,
							Resources:  resources,
							VolumeMounts: []kubecore.VolumeMount{
								{Name: "workdir", MountPath: mount},
							},
						},
					},
					Volumes: []kubecore.Volume{
						{
							Name: "workdir",
							VolumeSource: kubecore.VolumeSource{
								HostPath: &kubecore.HostPathVolumeSource{Path: l.Workdir, Type: &hostPath},
							},
						},
					},
				},
			},
		},
	}, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
