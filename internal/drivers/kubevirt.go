package drivers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/tinkerbelle-io/tb-power/internal/catalog"
)

var vmGVR = schema.GroupVersionResource{Group: "kubevirt.io", Version: "v1", Resource: "virtualmachines"}

const (
	runStrategyAlways = "Always"
	runStrategyHalted = "Halted"
)

type kubeClients struct {
	dyn  dynamic.Interface
	core kubernetes.Interface
}

type kubeClientFactory func(kubeconfig string) (*kubeClients, error)

func defaultKubeClients(kubeconfig string) (*kubeClients, error) {
	config, err := kubeConfig(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("k8s config: %w", err)
	}
	dyn, err := dynamic.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("k8s dynamic client: %w", err)
	}
	core, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("k8s clientset: %w", err)
	}
	return &kubeClients{dyn: dyn, core: core}, nil
}

// kubeConfig returns config from the given kubeconfig path, in-cluster
// config, or the default kubeconfig, in that order.
func kubeConfig(path string) (*rest.Config, error) {
	if path != "" {
		return clientcmd.BuildConfigFromFlags("", path)
	}
	if config, err := rest.InClusterConfig(); err == nil {
		return config, nil
	}
	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		home, _ := os.UserHomeDir()
		kubeconfig = filepath.Join(home, ".kube", "config")
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

// KubeVirtDriver controls KubeVirt VirtualMachines by setting spec.runStrategy.
type KubeVirtDriver struct {
	clients kubeClientFactory
	log     *slog.Logger
}

func NewKubeVirtDriver() *KubeVirtDriver {
	return &KubeVirtDriver{
		clients: defaultKubeClients,
		log:     slog.Default().With("component", "drivers", "driver", "kubevirt"),
	}
}

func (d *KubeVirtDriver) Name() string        { return "kubevirt" }
func (d *KubeVirtDriver) Description() string { return "KubeVirt virtual machine" }

func (d *KubeVirtDriver) Fields() []catalog.Field {
	return []catalog.Field{
		catalog.MustField("power_id", "VirtualMachine name", catalog.Required()),
		catalog.MustField("namespace", "Namespace", catalog.WithDefault("default")),
		catalog.MustField("kubeconfig", "Kubeconfig path (empty for in-cluster)"),
	}
}

func (d *KubeVirtDriver) PowerOn(ctx context.Context, p Params) error {
	return d.setRunStrategy(ctx, p, runStrategyAlways, "PowerOn")
}

func (d *KubeVirtDriver) PowerOff(ctx context.Context, p Params) error {
	return d.setRunStrategy(ctx, p, runStrategyHalted, "PowerOff")
}

func (d *KubeVirtDriver) PowerQuery(ctx context.Context, p Params) (State, error) {
	c, name, ns, err := d.target(p)
	if err != nil {
		return StateUnknown, err
	}
	vm, err := c.dyn.Resource(vmGVR).Namespace(ns).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return StateUnknown, vmError(ns, name, err)
	}
	return vmState(vm), nil
}

func (d *KubeVirtDriver) target(p Params) (*kubeClients, string, string, error) {
	name, err := requireParam(p, "power_id")
	if err != nil {
		return nil, "", "", err
	}
	c, err := d.clients(p["kubeconfig"])
	if err != nil {
		return nil, "", "", err
	}
	return c, name, valueOr(p, "namespace", "default"), nil
}

func (d *KubeVirtDriver) setRunStrategy(ctx context.Context, p Params, strategy, reason string) error {
	c, name, ns, err := d.target(p)
	if err != nil {
		return err
	}

	// spec.running and spec.runStrategy are mutually exclusive.
	patch := []byte(fmt.Sprintf(`{"spec":{"running":null,"runStrategy":%q}}`, strategy))
	vm, err := c.dyn.Resource(vmGVR).Namespace(ns).Patch(ctx, name, types.MergePatchType, patch, metav1.PatchOptions{})
	if err != nil {
		return vmError(ns, name, err)
	}

	d.recordEvent(ctx, c.core, vm, reason, fmt.Sprintf("runStrategy set to %s by tb-power", strategy))
	return nil
}

// recordEvent attaches a Kubernetes event to the VM. Failures are logged only.
func (d *KubeVirtDriver) recordEvent(ctx context.Context, core kubernetes.Interface, vm *unstructured.Unstructured, reason, message string) {
	now := metav1.NewTime(time.Now())
	ev := &corev1.Event{
		ObjectMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("%s.%x", vm.GetName(), now.UnixNano()),
			Namespace: vm.GetNamespace(),
		},
		InvolvedObject: corev1.ObjectReference{
			APIVersion: vm.GetAPIVersion(),
			Kind:       vm.GetKind(),
			Name:       vm.GetName(),
			Namespace:  vm.GetNamespace(),
			UID:        vm.GetUID(),
		},
		Reason:         reason,
		Message:        message,
		Type:           corev1.EventTypeNormal,
		Source:         corev1.EventSource{Component: "tb-power"},
		FirstTimestamp: now,
		LastTimestamp:  now,
		Count:          1,
	}
	if _, err := core.CoreV1().Events(vm.GetNamespace()).Create(ctx, ev, metav1.CreateOptions{}); err != nil {
		d.log.Warn("failed to record event", "vm", vm.GetName(), "namespace", vm.GetNamespace(), "error", err)
	}
}

func vmError(ns, name string, err error) error {
	if apierrors.IsNotFound(err) {
		return fmt.Errorf("virtual machine %s/%s not found", ns, name)
	}
	return fmt.Errorf("virtual machine %s/%s: %w", ns, name, err)
}

// vmState maps status.printableStatus, falling back to spec.runStrategy.
func vmState(vm *unstructured.Unstructured) State {
	status, _, _ := unstructured.NestedString(vm.Object, "status", "printableStatus")
	switch status {
	case "Running", "Paused", "Migrating", "Stopping":
		return StateOn
	case "Stopped":
		return StateOff
	}
	if strategy, _, _ := unstructured.NestedString(vm.Object, "spec", "runStrategy"); strategy == runStrategyHalted {
		return StateOff
	}
	return StateUnknown
}
