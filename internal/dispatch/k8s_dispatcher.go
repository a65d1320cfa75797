package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/veriflow-labs/veriflow-go/internal/platform/k8s"
)

// KubernetesJobDispatcher runs step jobs as batch/v1 Jobs. Backoff is pinned
// to zero: a failed job must surface through its callback or the deadline
// sweep, never through silent pod restarts.
type KubernetesJobDispatcher struct {
	client            *k8s.Client
	namespace         string
	callbackURL       string
	jobTTLSeconds     int32
	jobServiceAccount string
}

func NewKubernetesJobDispatcher(client *k8s.Client, namespace, callbackURL string, jobTTLSeconds int32, jobServiceAccount string) (*KubernetesJobDispatcher, error) {
	if client == nil {
		return nil, errors.New("k8s client is required")
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = strings.TrimSpace(client.Namespace())
	}
	if namespace == "" {
		return nil, errors.New("job namespace is required")
	}
	if strings.TrimSpace(callbackURL) == "" {
		return nil, errors.New("callback url is required")
	}
	if jobTTLSeconds < 0 {
		return nil, errors.New("job ttl must be non-negative")
	}
	return &KubernetesJobDispatcher{
		client:            client,
		namespace:         namespace,
		callbackURL:       strings.TrimSpace(callbackURL),
		jobTTLSeconds:     jobTTLSeconds,
		jobServiceAccount: strings.TrimSpace(jobServiceAccount),
	}, nil
}

func (d *KubernetesJobDispatcher) Dispatch(ctx context.Context, req Request) (Handle, error) {
	if strings.TrimSpace(req.RunID) == "" {
		return Handle{}, errors.New("run id is required")
	}
	if strings.TrimSpace(req.CallbackID) == "" {
		return Handle{}, errors.New("callback id is required")
	}
	image, _ := req.ValidatorConfig["image"].(string)
	if strings.TrimSpace(image) == "" {
		return Handle{}, fmt.Errorf("validator kind %q has no image configured", req.ValidatorKind)
	}

	jobName := jobNameFor(req)
	labels := map[string]string{
		"app.kubernetes.io/name":      "veriflow",
		"app.kubernetes.io/component": "validator-job",
		"veriflow.run_id":             req.RunID,
		"veriflow.callback_id":        req.CallbackID,
	}

	container := k8s.Container{
		Name:  "validator",
		Image: strings.TrimSpace(image),
		Env: []k8s.EnvVar{
			{Name: "VERIFLOW_RUN_ID", Value: req.RunID},
			{Name: "VERIFLOW_STEP_INDEX", Value: fmt.Sprintf("%d", req.StepIndex)},
			{Name: "VERIFLOW_CALLBACK_ID", Value: req.CallbackID},
			{Name: "VERIFLOW_CORRELATION_ID", Value: req.CorrelationID},
			{Name: "VERIFLOW_CALLBACK_URL", Value: d.callbackURL},
			{Name: "VERIFLOW_ENVELOPE", Value: string(req.Envelope)},
		},
	}
	applyResourceHints(&container, req.Resources)

	podSpec := k8s.PodSpec{
		RestartPolicy: "Never",
		Containers:    []k8s.Container{container},
	}
	if d.jobServiceAccount != "" {
		podSpec.ServiceAccountName = d.jobServiceAccount
	}

	backoff := int32(0)
	var ttl *int32
	if d.jobTTLSeconds > 0 {
		ttl = &d.jobTTLSeconds
	}
	var activeDeadline *int64
	if !req.Deadline.IsZero() {
		remaining := int64(time.Until(req.Deadline).Seconds())
		if remaining < 1 {
			remaining = 1
		}
		activeDeadline = &remaining
	}

	job := k8s.Job{
		Metadata: k8s.ObjectMeta{
			Name:      jobName,
			Namespace: d.namespace,
			Labels:    labels,
		},
		Spec: k8s.JobSpec{
			BackoffLimit:            &backoff,
			ActiveDeadlineSeconds:   activeDeadline,
			TTLSecondsAfterFinished: ttl,
			Template: k8s.PodTemplateSpec{
				Metadata: k8s.ObjectMeta{Labels: labels},
				Spec:     podSpec,
			},
		},
	}

	err := d.client.CreateJob(ctx, d.namespace, job)
	if errors.Is(err, k8s.ErrAlreadyExists) {
		// A crash between job creation and the step update re-dispatches the
		// same callback id; accept the existing job only if it is ours.
		existing, getErr := d.client.GetJob(ctx, d.namespace, jobName)
		if getErr != nil {
			return Handle{}, fmt.Errorf("inspect existing job %s: %w", jobName, getErr)
		}
		if existing.Metadata.Labels["veriflow.callback_id"] != req.CallbackID {
			return Handle{}, fmt.Errorf("job name %s collides with a foreign job", jobName)
		}
		return Handle{CallbackID: req.CallbackID, JobName: jobName}, nil
	}
	if err != nil {
		return Handle{}, fmt.Errorf("create job %s: %w", jobName, err)
	}
	return Handle{CallbackID: req.CallbackID, JobName: jobName}, nil
}

// jobNameFor builds a DNS-safe job name. The callback id suffix keeps
// resubmissions of the same step distinct.
func jobNameFor(req Request) string {
	runID := sanitizeNameSegment(req.RunID)
	suffix := sanitizeNameSegment(req.CallbackID)
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	name := fmt.Sprintf("veriflow-%s-%d-%s", runID, req.StepIndex, suffix)
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.Trim(name, "-")
}

func sanitizeNameSegment(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

func applyResourceHints(container *k8s.Container, resources map[string]any) {
	if container == nil || len(resources) == 0 {
		return
	}
	keys := make([]string, 0, len(resources))
	for k := range resources {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value, ok := resources[key].(string)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		switch key {
		case "cpu", "memory":
			if container.Resources.Requests == nil {
				container.Resources.Requests = map[string]string{}
			}
			container.Resources.Requests[key] = strings.TrimSpace(value)
		default:
			if container.Resources.Limits == nil {
				container.Resources.Limits = map[string]string{}
			}
			container.Resources.Limits[key] = strings.TrimSpace(value)
		}
	}
}
