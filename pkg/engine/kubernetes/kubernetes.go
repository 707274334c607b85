// Package kubernetes runs jobs as Kubernetes batch Jobs.
//
// Inputs travel in a ConfigMap that an init container copies into an
// emptyDir working directory. The working directory disappears with the
// pod, so this engine never reports output files.
package kubernetes

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"computecannon/pkg/files"
	"computecannon/pkg/job"
)

const (
	managedByLabel = "app.kubernetes.io/managed-by"
	managedBy      = "computecannon"

	jobNameAnnotation = "computecannon/job-name"

	containerName = "job"
	inputsMount   = "/ccc-inputs"

	// DefaultWorkDir is the working directory used when the job does not set one.
	DefaultWorkDir = "/workingdir"
)

// Config holds configuration for the Kubernetes engine.
type Config struct {
	// Namespace where jobs will be created
	Namespace string
	// ServiceAccount for job pods (optional)
	ServiceAccount string
	// Default resource limits for jobs
	DefaultCPULimit    string
	DefaultMemoryLimit string
	// InitImage copies inputs into the working directory. It needs sh and cp.
	InitImage string
	// Kubeconfig is used outside a cluster. Defaults to ~/.kube/config.
	Kubeconfig string
	Logger     *slog.Logger
}

// Engine implements job.Engine using Kubernetes Jobs.
type Engine struct {
	clientset kubernetes.Interface
	config    Config
	logger    *slog.Logger
}

type runData struct {
	jobName   string
	configMap string
	podName   string
	killed    atomic.Bool
}

// homeDir returns the user's home directory.
func homeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE") // Windows
}

// New creates a Kubernetes engine.
// Tries in-cluster configuration first, falls back to kubeconfig for local development.
func New(cfg Config) (*Engine, error) {
	cfg = withDefaults(cfg)
	if _, _, err := cfg.limits(); err != nil {
		return nil, err
	}

	config, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := cfg.Kubeconfig
		if kubeconfig == "" {
			kubeconfig = filepath.Join(homeDir(), ".kube", "config")
		}
		cfg.Logger.Debug("in-cluster config not available, trying kubeconfig", "error", err, "kubeconfig", kubeconfig)
		config, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}
	return &Engine{clientset: clientset, config: cfg, logger: cfg.Logger}, nil
}

// NewWithClientset creates an engine around an existing clientset.
func NewWithClientset(clientset kubernetes.Interface, cfg Config) *Engine {
	cfg = withDefaults(cfg)
	return &Engine{clientset: clientset, config: cfg, logger: cfg.Logger}
}

func withDefaults(cfg Config) Config {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.DefaultCPULimit == "" {
		cfg.DefaultCPULimit = "500m"
	}
	if cfg.DefaultMemoryLimit == "" {
		cfg.DefaultMemoryLimit = "256Mi"
	}
	if cfg.InitImage == "" {
		cfg.InitImage = "busybox:1.36"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// limits parses the default resource limits.
func (c Config) limits() (cpu, memory resource.Quantity, err error) {
	if cpu, err = resource.ParseQuantity(c.DefaultCPULimit); err != nil {
		return cpu, memory, fmt.Errorf("invalid cpu limit %q: %w", c.DefaultCPULimit, err)
	}
	if memory, err = resource.ParseQuantity(c.DefaultMemoryLimit); err != nil {
		return cpu, memory, fmt.Errorf("invalid memory limit %q: %w", c.DefaultMemoryLimit, err)
	}
	return cpu, memory, nil
}

// Submit implements job.Engine by creating the input ConfigMap and the Job.
func (k *Engine) Submit(ctx context.Context, j *job.Job) error {
	if j.Image == "" {
		return fmt.Errorf("image is required")
	}
	if strings.TrimSpace(j.Command) == "" {
		return fmt.Errorf("command is required")
	}
	cpuLimit, memoryLimit, err := k.config.limits()
	if err != nil {
		return err
	}
	workDir := j.WorkingDir
	if workDir == "" {
		workDir = DefaultWorkDir
	}

	// Generate unique job name
	jobName := "ccc-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
	labels := map[string]string{managedByLabel: managedBy}

	rd := &runData{jobName: jobName}
	var items []corev1.KeyToPath
	if len(j.Inputs) > 0 {
		cm, paths, err := inputConfigMap(jobName, k.config.Namespace, labels, j.Inputs)
		if err != nil {
			return err
		}
		if _, err := k.clientset.CoreV1().ConfigMaps(k.config.Namespace).Create(ctx, cm, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("failed to create input configmap: %w", err)
		}
		rd.configMap = cm.Name
		items = paths
	}

	// Build environment variables
	var envVars []corev1.EnvVar
	for key, value := range j.Env {
		envVars = append(envVars, corev1.EnvVar{Name: key, Value: value})
	}
	sort.Slice(envVars, func(a, b int) bool { return envVars[a].Name < envVars[b].Name })

	if j.NumCPUs > 1 {
		cpuLimit = *resource.NewQuantity(int64(j.NumCPUs), resource.DecimalSI)
	}
	resources := corev1.ResourceRequirements{
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    cpuLimit,
			corev1.ResourceMemory: memoryLimit,
		},
	}

	workVolume := corev1.VolumeMount{Name: "workdir", MountPath: workDir}
	podSpec := corev1.PodSpec{
		RestartPolicy: corev1.RestartPolicyNever,
		Volumes: []corev1.Volume{{
			Name:         "workdir",
			VolumeSource: corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}},
		}},
		Containers: []corev1.Container{
			{
				Name:         containerName,
				Image:        j.Image,
				Command:      []string{"sh", "-c", j.Command},
				WorkingDir:   workDir,
				Env:          envVars,
				Resources:    resources,
				VolumeMounts: []corev1.VolumeMount{workVolume},
			},
		},
	}
	if rd.configMap != "" {
		podSpec.Volumes = append(podSpec.Volumes, corev1.Volume{
			Name: "inputs",
			VolumeSource: corev1.VolumeSource{ConfigMap: &corev1.ConfigMapVolumeSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: rd.configMap},
				Items:                items,
			}},
		})
		podSpec.InitContainers = []corev1.Container{{
			Name:    "stage-inputs",
			Image:   k.config.InitImage,
			Command: []string{"sh", "-c", fmt.Sprintf("cp -rL %s/. %s/", inputsMount, workDir)},
			VolumeMounts: []corev1.VolumeMount{
				workVolume,
				{Name: "inputs", MountPath: inputsMount, ReadOnly: true},
			},
		}}
	}

	// Set service account if configured
	if k.config.ServiceAccount != "" {
		podSpec.ServiceAccountName = k.config.ServiceAccount
	}

	backoffLimit := int32(0) // a failed job is reported, never retried
	kjob := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: k.config.Namespace,
			Labels:    labels,
			Annotations: map[string]string{
				jobNameAnnotation: j.Name,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{
						"job-name":     jobName,
						managedByLabel: managedBy,
					},
				},
				Spec: podSpec,
			},
		},
	}

	created, err := k.clientset.BatchV1().Jobs(k.config.Namespace).Create(ctx, kjob, metav1.CreateOptions{})
	if err != nil {
		k.deleteConfigMap(ctx, rd)
		return fmt.Errorf("failed to create kubernetes job: %w", err)
	}

	j.RunData = rd
	j.SetID(created.Name)
	k.logger.Info("created kubernetes job", "job", created.Name, "namespace", k.config.Namespace)
	return nil
}

// inputConfigMap packs inputs into binary ConfigMap entries. Keys are
// generated because relative paths are not valid keys; items map them
// back to their paths inside the volume.
func inputConfigMap(name, namespace string, labels map[string]string, inputs map[string]files.Reference) (*corev1.ConfigMap, []corev1.KeyToPath, error) {
	names := make([]string, 0, len(inputs))
	for rel := range inputs {
		names = append(names, rel)
	}
	sort.Strings(names)

	data := make(map[string][]byte, len(inputs))
	items := make([]corev1.KeyToPath, 0, len(inputs))
	for i, rel := range names {
		clean := path.Clean(rel)
		if _, err := files.JoinLocal("/", clean); err != nil {
			return nil, nil, fmt.Errorf("input %s: %w", rel, err)
		}
		content, err := files.Read(inputs[rel], "rb", "")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read input %s: %w", rel, err)
		}
		key := fmt.Sprintf("input-%d", i)
		data[key] = content
		items = append(items, corev1.KeyToPath{Key: key, Path: clean})
	}

	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name + "-inputs",
			Namespace: namespace,
			Labels:    labels,
		},
		BinaryData: data,
	}
	return cm, items, nil
}

func runDataOf(j *job.Job) (*runData, error) {
	rd, ok := j.RunData.(*runData)
	if !ok || rd == nil {
		return nil, fmt.Errorf("job %s was not submitted to a kubernetes engine", j.ID())
	}
	return rd, nil
}

// Wait blocks until the job's pod completes and returns the result.
func (k *Engine) Wait(ctx context.Context, j *job.Job) (job.ExitResult, error) {
	rd, err := runDataOf(j)
	if err != nil {
		return job.ExitResult{ExitCode: -1, Error: err}, err
	}

	podName, err := k.podName(ctx, rd)
	if err != nil {
		return job.ExitResult{ExitCode: -1, Error: err}, err
	}

	pod, err := k.clientset.CoreV1().Pods(k.config.Namespace).Get(ctx, podName, metav1.GetOptions{})
	if err != nil {
		return job.ExitResult{ExitCode: -1, Error: err}, err
	}
	if res, done := podExit(pod); done {
		return res, nil
	}

	// Watch pod until it completes
	watcher, err := k.clientset.CoreV1().Pods(k.config.Namespace).Watch(ctx, metav1.ListOptions{
		FieldSelector: fmt.Sprintf("metadata.name=%s", podName),
	})
	if err != nil {
		return job.ExitResult{ExitCode: -1, Error: err}, err
	}
	defer watcher.Stop()

	for event := range watcher.ResultChan() {
		if event.Type == watch.Error {
			err := fmt.Errorf("watch error on pod %s", podName)
			return job.ExitResult{ExitCode: -1, Error: err}, err
		}
		pod, ok := event.Object.(*corev1.Pod)
		if !ok {
			continue
		}
		if res, done := podExit(pod); done {
			return res, nil
		}
	}

	// Context cancelled
	return job.ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
}

// podExit reports the exit result of a pod in a terminal phase.
func podExit(pod *corev1.Pod) (job.ExitResult, bool) {
	switch pod.Status.Phase {
	case corev1.PodSucceeded:
		return job.ExitResult{ExitCode: 0}, true
	case corev1.PodFailed:
		if cs := jobContainer(pod); cs != nil && cs.State.Terminated != nil {
			res := job.ExitResult{ExitCode: int(cs.State.Terminated.ExitCode)}
			if reason := cs.State.Terminated.Reason; reason != "" {
				res.Error = fmt.Errorf("%s", reason)
			}
			return res, true
		}
		return job.ExitResult{ExitCode: -1, Error: fmt.Errorf("pod failed: %s", pod.Status.Reason)}, true
	}
	return job.ExitResult{}, false
}

func jobContainer(pod *corev1.Pod) *corev1.ContainerStatus {
	for i := range pod.Status.ContainerStatuses {
		if pod.Status.ContainerStatuses[i].Name == containerName {
			return &pod.Status.ContainerStatuses[i]
		}
	}
	return nil
}

// podName returns the pod of the job, waiting for it to be created.
func (k *Engine) podName(ctx context.Context, rd *runData) (string, error) {
	if rd.podName != "" {
		return rd.podName, nil
	}
	name, err := k.waitForPod(ctx, rd.jobName)
	if err != nil {
		return "", err
	}
	rd.podName = name
	return name, nil
}

// waitForPod waits for the job's pod to be created and returns its name.
func (k *Engine) waitForPod(ctx context.Context, jobName string) (string, error) {
	// Poll for pod creation
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
			pods, err := k.clientset.CoreV1().Pods(k.config.Namespace).List(ctx, metav1.ListOptions{
				LabelSelector: fmt.Sprintf("job-name=%s", jobName),
			})
			if err != nil {
				return "", err
			}
			if len(pods.Items) > 0 {
				return pods.Items[0].Name, nil
			}
		}
	}
}

// Status implements job.Engine from the pod phase. A container that ran
// to completion is Finished whatever its exit code.
func (k *Engine) Status(ctx context.Context, j *job.Job) (job.Status, error) {
	rd, err := runDataOf(j)
	if err != nil {
		return "", err
	}
	if rd.killed.Load() {
		return job.StatusKilled, nil
	}

	pods, err := k.clientset.CoreV1().Pods(k.config.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("job-name=%s", rd.jobName),
	})
	if err != nil {
		return "", fmt.Errorf("failed to list pods of %s: %w", rd.jobName, err)
	}
	if len(pods.Items) == 0 {
		return job.StatusQueued, nil
	}
	pod := &pods.Items[0]
	rd.podName = pod.Name

	switch pod.Status.Phase {
	case corev1.PodPending:
		for _, cs := range pod.Status.InitContainerStatuses {
			if cs.State.Running != nil {
				return job.StatusDownloading, nil
			}
		}
		return job.StatusQueued, nil
	case corev1.PodRunning:
		return job.StatusRunning, nil
	case corev1.PodSucceeded:
		return job.StatusFinished, nil
	case corev1.PodFailed:
		if cs := jobContainer(pod); cs != nil && cs.State.Terminated != nil {
			return job.StatusFinished, nil
		}
		return job.StatusError, nil
	default:
		return job.StatusError, nil
	}
}

// Attach implements job.Attacher by looking the Kubernetes Job up by name.
func (k *Engine) Attach(ctx context.Context, j *job.Job) error {
	kjob, err := k.clientset.BatchV1().Jobs(k.config.Namespace).Get(ctx, j.ID(), metav1.GetOptions{})
	if err != nil {
		return err
	}
	if kjob.Labels[managedByLabel] != managedBy {
		return fmt.Errorf("kubernetes job %s is not managed by %s", kjob.Name, managedBy)
	}

	rd := &runData{jobName: kjob.Name}
	for _, v := range kjob.Spec.Template.Spec.Volumes {
		if v.ConfigMap != nil {
			rd.configMap = v.ConfigMap.Name
		}
	}
	for _, c := range kjob.Spec.Template.Spec.Containers {
		if c.Name == containerName {
			j.Image = c.Image
		}
	}
	if name := kjob.Annotations[jobNameAnnotation]; name != "" {
		j.Name = name
	}
	j.RunData = rd
	return nil
}

// Kill deletes the Kubernetes Job.
func (k *Engine) Kill(ctx context.Context, j *job.Job) error {
	rd, err := runDataOf(j)
	if err != nil {
		return err
	}
	rd.killed.Store(true)
	return k.deleteJob(ctx, rd)
}

func (k *Engine) deleteJob(ctx context.Context, rd *runData) error {
	// Delete with foreground propagation to clean up pods
	propagation := metav1.DeletePropagationForeground
	err := k.clientset.BatchV1().Jobs(k.config.Namespace).Delete(ctx, rd.jobName, metav1.DeleteOptions{
		PropagationPolicy: &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete job %s: %w", rd.jobName, err)
	}
	k.deleteConfigMap(ctx, rd)
	k.logger.Info("deleted kubernetes job", "job", rd.jobName)
	return nil
}

func (k *Engine) deleteConfigMap(ctx context.Context, rd *runData) {
	if rd.configMap == "" {
		return
	}
	err := k.clientset.CoreV1().ConfigMaps(k.config.Namespace).Delete(ctx, rd.configMap, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		k.logger.Warn("failed to delete input configmap", "configmap", rd.configMap, "error", err)
	}
}

// ListOutputFiles implements job.Engine. Results are not retrievable on
// this backend, so the mapping is always empty.
func (k *Engine) ListOutputFiles(context.Context, *job.Job) (map[string]files.Reference, error) {
	return map[string]files.Reference{}, nil
}

// FinalStdio implements job.Engine. The platform merges stderr into the
// pod log, so stderr is always empty.
func (k *Engine) FinalStdio(ctx context.Context, j *job.Job) ([]byte, []byte, error) {
	rd, err := runDataOf(j)
	if err != nil {
		return nil, nil, err
	}
	podName, err := k.podName(ctx, rd)
	if err != nil {
		return nil, nil, err
	}
	rc, err := k.clientset.CoreV1().Pods(k.config.Namespace).GetLogs(podName, &corev1.PodLogOptions{
		Container: containerName,
	}).Stream(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get logs of pod %s: %w", podName, err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, nil, fmt.Errorf("failed to read logs: %w", err)
	}
	return buf.Bytes(), nil, nil
}

// StreamLogs returns a reader for the job's pod logs.
func (k *Engine) StreamLogs(ctx context.Context, j *job.Job) (io.ReadCloser, error) {
	rd, err := runDataOf(j)
	if err != nil {
		return nil, err
	}
	podName, err := k.podName(ctx, rd)
	if err != nil {
		return nil, fmt.Errorf("failed to find pod for job %s: %w", rd.jobName, err)
	}

	// Wait for container to be running or completed
	if err := k.waitForContainerReady(ctx, podName); err != nil {
		return nil, err
	}

	req := k.clientset.CoreV1().Pods(k.config.Namespace).GetLogs(podName, &corev1.PodLogOptions{
		Container: containerName,
		Follow:    true,
	})
	return req.Stream(ctx)
}

// waitForContainerReady waits for the container to start (or complete).
func (k *Engine) waitForContainerReady(ctx context.Context, podName string) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pod, err := k.clientset.CoreV1().Pods(k.config.Namespace).Get(ctx, podName, metav1.GetOptions{})
			if err != nil {
				return err
			}
			// Ready if running, succeeded, or failed
			switch pod.Status.Phase {
			case corev1.PodRunning, corev1.PodSucceeded, corev1.PodFailed:
				return nil
			}
		}
	}
}

// Cleanup implements job.Cleaner by deleting the Job and its inputs.
func (k *Engine) Cleanup(ctx context.Context, j *job.Job) error {
	rd, err := runDataOf(j)
	if err != nil {
		return err
	}
	return k.deleteJob(ctx, rd)
}

// TestConnection implements job.ConnectionTester by asking for the server version.
func (k *Engine) TestConnection(context.Context) error {
	if _, err := k.clientset.Discovery().ServerVersion(); err != nil {
		return &job.EngineTestError{Engine: k.Hostname(), Err: err}
	}
	return nil
}

// Hostname implements job.Engine.
func (k *Engine) Hostname() string { return "kubernetes/" + k.config.Namespace }

// Describe implements job.Describer.
func (k *Engine) Describe() string {
	return fmt.Sprintf("Kubernetes engine in namespace %s", k.config.Namespace)
}

var _ interface {
	job.Engine
	job.Attacher
	job.LogStreamer
	job.Cleaner
	job.ConnectionTester
	job.Describer
} = (*Engine)(nil)
