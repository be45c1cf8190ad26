package publish

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	coordinationv1 "k8s.io/api/coordination/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/record"

	"github.com/telekom/k8s-lease-elector/pkg/elector"
	"github.com/telekom/k8s-lease-elector/pkg/metrics"
	"github.com/telekom/k8s-lease-elector/pkg/system"
)

const kubernetesEventsSink = "kubernetes-events"

// Event reasons on the Lease object.
const (
	ReasonLeadershipAcquired = "LeadershipAcquired"
	ReasonLeadershipLost     = "LeadershipLost"
	ReasonLeaseRenewed       = "LeaseRenewed"
)

// K8sEventRecorder implements record.EventRecorder but writes Events via the provided clientset.
// Clientset is the kubernetes client to use for creating Events. Use the
// kubernetes.Interface here so unit tests can inject the fake clientset.
type K8sEventRecorder struct {
	Clientset kubernetes.Interface
	Source    corev1.EventSource
	// optional logger for reporting event creation problems
	Logger *zap.SugaredLogger
}

// Ensure K8sEventRecorder satisfies record.EventRecorder
var _ record.EventRecorder = &K8sEventRecorder{}

func (r *K8sEventRecorder) Event(object runtime.Object, eventtype, reason, message string) {
	metaObj, ok := object.(metav1.Object)
	if !ok {
		return
	}
	// Events always go into the object's namespace; leases are never cluster-scoped.
	ns := metaObj.GetNamespace()
	if ns == "" {
		if r.Logger != nil {
			r.Logger.Infow("skipping kubernetes Event creation: object has no namespace", "object", metaObj.GetName())
		}
		return
	}

	ref := corev1.ObjectReference{
		Namespace: ns,
		Name:      metaObj.GetName(),
		UID:       metaObj.GetUID(),
	}
	if gvk := object.GetObjectKind().GroupVersionKind(); !gvk.Empty() {
		ref.APIVersion, ref.Kind = gvk.ToAPIVersionAndKind()
	}

	now := metav1.NewTime(time.Now())
	ev := &corev1.Event{
		ObjectMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("%v.%x", metaObj.GetName(), now.UnixNano()),
			Namespace: ns,
		},
		InvolvedObject: ref,
		Reason:         reason,
		Message:        message,
		Source:         r.Source,
		FirstTimestamp: now,
		LastTimestamp:  now,
		Count:          1,
		Type:           eventtype,
	}
	// best-effort write; surface errors to optional logger so operators can diagnose
	created, err := r.Clientset.CoreV1().Events(ns).Create(context.Background(), ev, metav1.CreateOptions{})
	if err != nil {
		metrics.NotificationsPublished.WithLabelValues(kubernetesEventsSink, reason, "error").Inc()
		if r.Logger != nil {
			fields := system.NamespacedFields(metaObj.GetName(), ns)
			r.Logger.Warnw("failed to create kubernetes Event", append(fields, "reason", reason, "message", message, "error", err)...)
		}
		return
	}
	metrics.NotificationsPublished.WithLabelValues(kubernetesEventsSink, reason, "success").Inc()
	if r.Logger != nil {
		fields := system.NamespacedFields(created.GetName(), created.GetNamespace())
		r.Logger.Debugw("kubernetes Event created", append(fields, "reason", reason, "message", message)...)
	}
}

func (r *K8sEventRecorder) Eventf(object runtime.Object, eventtype, reason, messageFmt string, args ...interface{}) {
	msg := messageFmt
	if len(args) > 0 {
		msg = fmt.Sprintf(messageFmt, args...)
	}
	r.Event(object, eventtype, reason, msg)
}

func (r *K8sEventRecorder) AnnotatedEventf(object runtime.Object, annotations map[string]string, eventtype, reason, messageFmt string, args ...interface{}) {
	// annotations are not carried by the clientset create path
	r.Eventf(object, eventtype, reason, messageFmt, args...)
}

// LeaseEvents records leadership notifications as Events on the Lease.
type LeaseEvents struct {
	recorder        record.EventRecorder
	lease           *coordinationv1.Lease
	identity        string
	includeRenewals bool
}

var _ elector.Listener = (*LeaseEvents)(nil)

// NewLeaseEvents reports on the lease namespace/name as seen by identity.
func NewLeaseEvents(recorder record.EventRecorder, namespace, name, identity string, includeRenewals bool) *LeaseEvents {
	return &LeaseEvents{
		recorder: recorder,
		lease: &coordinationv1.Lease{
			TypeMeta:   metav1.TypeMeta{APIVersion: coordinationv1.SchemeGroupVersion.String(), Kind: "Lease"},
			ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		},
		identity:        identity,
		includeRenewals: includeRenewals,
	}
}

// OnEvent implements elector.Listener.
func (l *LeaseEvents) OnEvent(ev elector.Event) {
	switch ev.Type {
	case elector.LeadershipAcquired:
		l.recorder.Eventf(l.lease, corev1.EventTypeNormal, ReasonLeadershipAcquired, "%s became leader", l.identity)
	case elector.LeadershipLost:
		l.recorder.Eventf(l.lease, corev1.EventTypeNormal, ReasonLeadershipLost, "%s stopped leading", l.identity)
	case elector.LeaseRenewed:
		if l.includeRenewals {
			l.recorder.Eventf(l.lease, corev1.EventTypeNormal, ReasonLeaseRenewed, "%s renewed the lease at %s", l.identity, ev.RenewTime.UTC().Format(time.RFC3339Nano))
		}
	}
}
