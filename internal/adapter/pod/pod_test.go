package pod

import (
	"context"
	"strings"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"serverlesspool/internal/resource"
)

func wrapNative(n *native) resource.Native {
	return resource.Native{Kind: resource.KindPod, Pod: n}
}

func validRequest() Request {
	return Request{
		Namespace:      "default",
		Image:          "busybox:latest",
		PodPort:        8080,
		ScriptContent:  "console.log('hi')",
		ScriptFileName: "index.js",
	}
}

func TestValidateRequiresFields(t *testing.T) {
	a := New("", nil)
	if err := a.Validate(Request{}); err == nil {
		t.Fatal("expected error for empty request")
	}
	if err := a.Validate(Request{Namespace: "default"}); err == nil {
		t.Fatal("expected error for missing image")
	}
	if err := a.Validate(Request{Namespace: "default", Image: "busybox"}); err == nil {
		t.Fatal("expected error for missing podPort")
	}
	if err := a.Validate(validRequest()); err != nil {
		t.Fatalf("expected valid request to pass, got: %v", err)
	}
}

func TestApplyConfigMapCreatesThenUpdatesOnConflict(t *testing.T) {
	cs := fake.NewSimpleClientset()
	a := New("", nil).withClientset(cs)

	r := validRequest()
	if err := a.applyConfigMap(context.Background(), cs, r, "pool-pod-1"); err != nil {
		t.Fatalf("first apply: %v", err)
	}

	r.ScriptContent = "console.log('updated')"
	if err := a.applyConfigMap(context.Background(), cs, r, "pool-pod-1"); err != nil {
		t.Fatalf("second apply (update path): %v", err)
	}

	cm, err := cs.CoreV1().ConfigMaps("default").Get(context.Background(), "pool-pod-1", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get configmap: %v", err)
	}
	if cm.Data["index.js"] != "console.log('updated')" {
		t.Fatalf("expected configmap to be updated, got %q", cm.Data["index.js"])
	}
}

func TestApplyConfigMapRendersDependencyManifest(t *testing.T) {
	cs := fake.NewSimpleClientset()
	a := New("", nil).withClientset(cs)

	r := validRequest()
	r.Dependencies = []string{"requests==2.31.0", "numpy==1.26.4"}
	if err := a.applyConfigMap(context.Background(), cs, r, "pool-pod-3"); err != nil {
		t.Fatalf("apply: %v", err)
	}

	cm, err := cs.CoreV1().ConfigMaps("default").Get(context.Background(), "pool-pod-3", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get configmap: %v", err)
	}
	want := "requests==2.31.0\nnumpy==1.26.4"
	if cm.Data["requirements.txt"] != want {
		t.Fatalf("expected rendered manifest %q, got %q", want, cm.Data["requirements.txt"])
	}
}

func TestBootstrapCommandInstallsDependenciesAndExecsEntrypoint(t *testing.T) {
	r := validRequest()
	r.Entrypoint = "node /app/workspace/index.js"

	cmd := r.bootstrapCommand()
	if len(cmd) != 3 || cmd[0] != "sh" || cmd[1] != "-c" {
		t.Fatalf("expected a sh -c script, got %v", cmd)
	}
	script := cmd[2]
	for _, want := range []string{"cp /scripts/* /app/workspace/", "pip install", "exec node /app/workspace/index.js"} {
		if !strings.Contains(script, want) {
			t.Fatalf("expected bootstrap script to contain %q, got %q", want, script)
		}
	}
}

func TestEntrypointDefaultsToPython3WithScriptFileName(t *testing.T) {
	r := validRequest()
	if got, want := r.entrypoint(), "python3 /app/workspace/index.js"; got != want {
		t.Fatalf("expected default entrypoint %q, got %q", want, got)
	}
}

func TestWaitForRunningSucceedsImmediatelyWhenAlreadyRunning(t *testing.T) {
	cs := fake.NewSimpleClientset(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "pool-pod-2", Namespace: "default"},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning},
	})
	a := New("", nil).withClientset(cs)
	a.pollInterval = time.Millisecond
	a.pollAttempts = 3

	if err := a.waitForRunning(context.Background(), cs, "default", "pool-pod-2"); err != nil {
		t.Fatalf("expected immediate success, got: %v", err)
	}
}

func TestWaitForRunningFailsOnFailedPhase(t *testing.T) {
	cs := fake.NewSimpleClientset(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "pool-pod-3", Namespace: "default"},
		Status:     corev1.PodStatus{Phase: corev1.PodFailed},
	})
	a := New("", nil).withClientset(cs)
	a.pollInterval = time.Millisecond
	a.pollAttempts = 3

	if err := a.waitForRunning(context.Background(), cs, "default", "pool-pod-3"); err == nil {
		t.Fatal("expected error when pod enters Failed phase")
	}
}

func TestWaitForRunningTimesOutWhilePending(t *testing.T) {
	cs := fake.NewSimpleClientset(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "pool-pod-4", Namespace: "default"},
		Status:     corev1.PodStatus{Phase: corev1.PodPending},
	})
	a := New("", nil).withClientset(cs)
	a.pollInterval = time.Millisecond
	a.pollAttempts = 3

	if err := a.waitForRunning(context.Background(), cs, "default", "pool-pod-4"); err == nil {
		t.Fatal("expected timeout error while pod stays Pending")
	}
}

func TestTerminateDeletesPodAndConfigMapIdempotently(t *testing.T) {
	cs := fake.NewSimpleClientset(
		&corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "pool-pod-5", Namespace: "default"}},
		&corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{Name: "pool-pod-5", Namespace: "default"}},
	)
	a := New("", nil).withClientset(cs)

	n := &native{name: "pool-pod-5", namespace: "default", stopCh: make(chan struct{})}
	nat := wrapNative(n)

	if err := a.Terminate(context.Background(), nat); err != nil {
		t.Fatalf("first terminate: %v", err)
	}
	if _, err := cs.CoreV1().Pods("default").Get(context.Background(), "pool-pod-5", metav1.GetOptions{}); err == nil {
		t.Fatal("expected pod to be deleted")
	}

	// Second terminate against an already-deleted pod must be a no-op, not
	// an error; stopForward must also tolerate an already-closed stopCh.
	n2 := &native{name: "pool-pod-5", namespace: "default", stopCh: make(chan struct{})}
	close(n2.stopCh)
	if err := a.Terminate(context.Background(), wrapNative(n2)); err != nil {
		t.Fatalf("second terminate should be idempotent, got: %v", err)
	}
}

func TestLivenessFalseAfterForwardError(t *testing.T) {
	cs := fake.NewSimpleClientset(&corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "pool-pod-6", Namespace: "default"},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning},
	})
	a := New("", nil).withClientset(cs)

	n := &native{name: "pool-pod-6", namespace: "default", stopCh: make(chan struct{})}
	if a.Liveness(context.Background(), wrapNative(n)) != true {
		t.Fatal("expected liveness true for a running pod with no forward error")
	}

	n.mu.Lock()
	n.forwardErr = context.Canceled
	n.mu.Unlock()
	if a.Liveness(context.Background(), wrapNative(n)) {
		t.Fatal("expected liveness false once the forward goroutine reports an error")
	}
}
