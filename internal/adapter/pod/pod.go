// Package pod implements the remote-cluster resource adapter: it creates a
// ConfigMap-backed Pod in a target Kubernetes namespace, waits for it to
// reach Running, and tunnels to it with a local SPDY port-forward so the
// pool can hand back a local port like every other adapter.
package pod

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/portforward"
	"k8s.io/client-go/transport/spdy"

	"serverlesspool/internal/resource"
)

// phasePollInterval and phasePollAttempts bound how long Create waits for a
// pod to reach Running before giving up.
const (
	phasePollInterval = 500 * time.Millisecond
	phasePollAttempts = 30
)

// Request is the acquisition payload for a Pod resource.
type Request struct {
	Namespace     string
	Image         string
	PodPort       int
	ScriptContent string
	// ScriptFileName is the key the script is mounted under inside the
	// pod, relative to /scripts.
	ScriptFileName string
	// Dependencies lists packages to install (one per line of the
	// rendered requirements manifest) before Entrypoint runs.
	Dependencies []string
	// Entrypoint is the shell command that starts the resource once
	// scripts are copied into the writable work dir and dependencies are
	// installed. Defaults to running ScriptFileName with python3.
	Entrypoint string
}

// podWorkDir is the writable directory scripts are copied into before the
// entrypoint runs; the ConfigMap itself is mounted read-only at /scripts.
const podWorkDir = "/app/workspace"

// podManifestFile is the ConfigMap key holding the rendered dependency
// manifest, analogous to a requirements.txt installed before Entrypoint.
const podManifestFile = "requirements.txt"

func (r Request) entrypoint() string {
	if r.Entrypoint != "" {
		return r.Entrypoint
	}
	return fmt.Sprintf("python3 %s/%s", podWorkDir, r.ScriptFileName)
}

// bootstrapCommand copies the ConfigMap-mounted scripts into the writable
// work dir, installs Dependencies from the rendered manifest if any were
// given, then execs the entrypoint so it becomes PID 1.
func (r Request) bootstrapCommand() []string {
	script := fmt.Sprintf(
		"mkdir -p %[1]s && cp /scripts/* %[1]s/ && "+
			"if [ -s %[1]s/%[2]s ]; then pip install --no-cache-dir -r %[1]s/%[2]s; fi && "+
			"exec %[3]s",
		podWorkDir, podManifestFile, r.entrypoint(),
	)
	return []string{"sh", "-c", script}
}

type native struct {
	mu         sync.Mutex
	name       string
	namespace  string
	forwarder  *portforward.PortForwarder
	forwardErr error
	stopCh     chan struct{}
	localPort  int
}

// Adapter implements pool.Adapter for Kubernetes Pods reached through a
// local port-forward tunnel.
type Adapter struct {
	kubeconfigPath string
	logger         *slog.Logger

	mu        sync.Mutex
	clientset kubernetes.Interface
	restCfg   *rest.Config

	forwardersMu sync.Mutex
	forwarders   map[string]*native

	// pollInterval/pollAttempts bound waitForRunning. Tests shrink these to
	// avoid a real 15s wait against a fake clientset.
	pollInterval time.Duration
	pollAttempts int
}

// New returns a Pod Adapter. kubeconfigPath may be empty, in which case the
// client is built from in-cluster config when running inside a cluster.
func New(kubeconfigPath string, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		kubeconfigPath: kubeconfigPath,
		logger:         logger,
		forwarders:     make(map[string]*native),
		pollInterval:   phasePollInterval,
		pollAttempts:   phasePollAttempts,
	}
}

// withClientset injects a pre-built clientset, bypassing clientAndConfig's
// kubeconfig/in-cluster resolution. Used by tests against a fake clientset.
func (a *Adapter) withClientset(cs kubernetes.Interface) *Adapter {
	a.mu.Lock()
	a.clientset = cs
	a.mu.Unlock()
	return a
}

func (a *Adapter) TypeTag() string { return "pod" }

func (a *Adapter) Validate(req any) error {
	r, ok := req.(Request)
	if !ok {
		return fmt.Errorf("pod: expected pod.Request, got %T", req)
	}
	if r.Namespace == "" {
		return fmt.Errorf("pod: namespace is required")
	}
	if r.Image == "" {
		return fmt.Errorf("pod: image is required")
	}
	if r.PodPort <= 0 {
		return fmt.Errorf("pod: podPort must be positive")
	}
	return nil
}

// clientAndConfig lazily builds and caches the client-go clientset and
// rest.Config, falling back to in-cluster config when no kubeconfig path
// was supplied.
func (a *Adapter) clientAndConfig() (kubernetes.Interface, *rest.Config, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.clientset != nil {
		return a.clientset, a.restCfg, nil
	}

	var cfg *rest.Config
	var err error
	if a.kubeconfigPath != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", a.kubeconfigPath)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("pod: build rest config: %w", err)
	}

	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("pod: build clientset: %w", err)
	}

	a.clientset = cs
	a.restCfg = cfg
	return cs, cfg, nil
}

// Create applies a ConfigMap holding the script content, creates a Pod that
// mounts it, waits for the pod to reach Running, and opens a local
// port-forward to podPort, returning the tunnel as a native handle.
func (a *Adapter) Create(ctx context.Context, localPort int, name string, req any) (resource.Native, error) {
	r, ok := req.(Request)
	if !ok {
		return resource.Native{}, fmt.Errorf("pod: expected pod.Request, got %T", req)
	}

	cs, cfg, err := a.clientAndConfig()
	if err != nil {
		return resource.Native{}, err
	}

	if err := a.applyConfigMap(ctx, cs, r, name); err != nil {
		return resource.Native{}, err
	}

	podSpec := buildPodSpec(name, r)
	if _, err := cs.CoreV1().Pods(r.Namespace).Create(ctx, podSpec, metav1.CreateOptions{}); err != nil {
		return resource.Native{}, fmt.Errorf("pod: create pod %s: %w", name, err)
	}

	if err := a.waitForRunning(ctx, cs, r.Namespace, name); err != nil {
		_ = cs.CoreV1().Pods(r.Namespace).Delete(context.Background(), name, metav1.DeleteOptions{})
		return resource.Native{}, err
	}

	n, err := a.startForward(cfg, cs, r.Namespace, name, localPort, r.PodPort)
	if err != nil {
		_ = cs.CoreV1().Pods(r.Namespace).Delete(context.Background(), name, metav1.DeleteOptions{})
		return resource.Native{}, err
	}

	a.forwardersMu.Lock()
	a.forwarders[name] = n
	a.forwardersMu.Unlock()

	return resource.Native{Kind: resource.KindPod, Pod: n}, nil
}

func (a *Adapter) applyConfigMap(ctx context.Context, cs kubernetes.Interface, r Request, name string) error {
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: r.Namespace,
			Labels:    map[string]string{"managed_by": "serverlesspool"},
		},
		Data: map[string]string{
			r.ScriptFileName: r.ScriptContent,
			podManifestFile:  strings.Join(r.Dependencies, "\n"),
		},
	}

	_, err := cs.CoreV1().ConfigMaps(r.Namespace).Create(ctx, cm, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		_, err = cs.CoreV1().ConfigMaps(r.Namespace).Update(ctx, cm, metav1.UpdateOptions{})
	}
	if err != nil {
		return fmt.Errorf("pod: apply configmap %s: %w", name, err)
	}
	return nil
}

func buildPodSpec(name string, r Request) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: r.Namespace,
			Labels:    map[string]string{"managed_by": "serverlesspool", "pool_name": name},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:    "runner",
				Image:   r.Image,
				Command: r.bootstrapCommand(),
				Ports:   []corev1.ContainerPort{{ContainerPort: int32(r.PodPort)}},
				VolumeMounts: []corev1.VolumeMount{{
					Name:      "script",
					MountPath: "/scripts",
				}},
			}},
			Volumes: []corev1.Volume{{
				Name: "script",
				VolumeSource: corev1.VolumeSource{
					ConfigMap: &corev1.ConfigMapVolumeSource{
						LocalObjectReference: corev1.LocalObjectReference{Name: name},
					},
				},
			}},
		},
	}
}

func (a *Adapter) waitForRunning(ctx context.Context, cs kubernetes.Interface, namespace, name string) error {
	for attempt := 0; attempt < a.pollAttempts; attempt++ {
		p, err := cs.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return fmt.Errorf("pod: get pod %s: %w", name, err)
		}
		switch p.Status.Phase {
		case corev1.PodRunning:
			return nil
		case corev1.PodFailed:
			return fmt.Errorf("pod: %s entered Failed phase before becoming ready", name)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("pod: wait for %s running: %w", name, ctx.Err())
		case <-time.After(a.pollInterval):
		}
	}
	return fmt.Errorf("pod: %s did not reach Running within %d attempts", name, a.pollAttempts)
}

func (a *Adapter) startForward(cfg *rest.Config, cs kubernetes.Interface, namespace, name string, localPort, podPort int) (*native, error) {
	transport, upgrader, err := spdy.RoundTripperFor(cfg)
	if err != nil {
		return nil, fmt.Errorf("pod: build spdy transport: %w", err)
	}

	reqURL := cs.CoreV1().RESTClient().Post().
		Resource("pods").
		Namespace(namespace).
		Name(name).
		SubResource("portforward").URL()

	dialer := spdy.NewDialer(upgrader, &http.Client{Transport: transport}, http.MethodPost, reqURL)

	stopCh := make(chan struct{})
	readyCh := make(chan struct{})
	ports := []string{fmt.Sprintf("%d:%d", localPort, podPort)}

	fw, err := portforward.New(dialer, ports, stopCh, readyCh, io.Discard, io.Discard)
	if err != nil {
		close(stopCh)
		return nil, fmt.Errorf("pod: create port-forwarder for %s: %w", name, err)
	}

	n := &native{name: name, namespace: namespace, forwarder: fw, stopCh: stopCh, localPort: localPort}

	go func() {
		if err := fw.ForwardPorts(); err != nil {
			n.mu.Lock()
			n.forwardErr = err
			n.mu.Unlock()
		}
	}()

	select {
	case <-readyCh:
		return n, nil
	case <-time.After(10 * time.Second):
		close(stopCh)
		return nil, fmt.Errorf("pod: port-forward to %s did not become ready in time", name)
	}
}

// Terminate stops the port-forward tunnel and deletes the pod and its
// ConfigMap, racing against ctx's deadline with a force-delete fallback.
// "Not found" is success.
func (a *Adapter) Terminate(ctx context.Context, nat resource.Native) error {
	n, ok := nat.Pod.(*native)
	if !ok {
		return fmt.Errorf("pod: terminate: wrong native type %T", nat.Pod)
	}

	a.stopForward(n)

	cs, _, err := a.clientAndConfig()
	if err != nil {
		return err
	}

	delErr := cs.CoreV1().Pods(n.namespace).Delete(ctx, n.name, metav1.DeleteOptions{})
	if delErr != nil && !apierrors.IsNotFound(delErr) {
		a.logger.Warn("graceful pod delete failed, forcing", "pod", n.name, "error", delErr)
		zero := int64(0)
		delErr = cs.CoreV1().Pods(n.namespace).Delete(context.Background(), n.name, metav1.DeleteOptions{GracePeriodSeconds: &zero})
		if delErr != nil && !apierrors.IsNotFound(delErr) {
			return fmt.Errorf("pod: force delete %s: %w", n.name, delErr)
		}
	}

	if err := cs.CoreV1().ConfigMaps(n.namespace).Delete(context.Background(), n.name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		a.logger.Warn("configmap delete failed", "configmap", n.name, "error", err)
	}

	return nil
}

func (a *Adapter) stopForward(n *native) {
	n.mu.Lock()
	defer n.mu.Unlock()
	select {
	case <-n.stopCh:
	default:
		close(n.stopCh)
	}
	a.forwardersMu.Lock()
	delete(a.forwarders, n.name)
	a.forwardersMu.Unlock()
}

// Liveness reports true as long as the port-forward tunnel is still open and
// the pod is still Running.
func (a *Adapter) Liveness(ctx context.Context, nat resource.Native) bool {
	n, ok := nat.Pod.(*native)
	if !ok {
		return false
	}

	n.mu.Lock()
	forwardErr := n.forwardErr
	n.mu.Unlock()
	if forwardErr != nil {
		return false
	}
	select {
	case <-n.stopCh:
		return false
	default:
	}

	cs, _, err := a.clientAndConfig()
	if err != nil {
		return false
	}
	p, err := cs.CoreV1().Pods(n.namespace).Get(ctx, n.name, metav1.GetOptions{})
	if err != nil {
		return false
	}
	return p.Status.Phase == corev1.PodRunning
}

// Usage is not implemented for the Pod adapter: metrics-server queries
// require an additional client (metrics.k8s.io) this adapter does not wire,
// so usage sampling is left unsupported rather than faked.
func (a *Adapter) Usage(ctx context.Context, nat resource.Native) (*resource.Usage, error) {
	return nil, nil
}

// OnShutdown closes every still-open port-forward tunnel this adapter
// created, independent of whether the owning pool already terminated each
// handle individually.
func (a *Adapter) OnShutdown(ctx context.Context) error {
	a.forwardersMu.Lock()
	remaining := make([]*native, 0, len(a.forwarders))
	for _, n := range a.forwarders {
		remaining = append(remaining, n)
	}
	a.forwarders = make(map[string]*native)
	a.forwardersMu.Unlock()

	for _, n := range remaining {
		a.stopForward(n)
	}
	return nil
}
