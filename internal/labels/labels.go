// Package labels builds the labels attached to every dev VM and its boot disk.
//
// The purpose label is what "list all dev VMs" filters on, so it is always set
// and cannot be overridden by per-VM labels.
package labels

import (
	"regexp"
	"strings"
)

// Standard label keys.
const (
	// KeyPurpose marks resources created by this tool
	KeyPurpose = "purpose"

	// KeyManagedBy identifies the provisioning engine
	KeyManagedBy = "managed-by"

	// KeyBranch is the sanitized checkout branch
	KeyBranch = "branch"

	// KeyStack is the engine stack that owns the VM
	KeyStack = "stack"
)

const (
	PurposeDev      = "posthog-dev"
	ManagedByPulumi = "pulumi"

	maxValueLength = 63
)

var invalidValueChars = regexp.MustCompile(`[^a-z0-9_-]+`)

// LabelBuilder provides a fluent interface for building instance labels.
type LabelBuilder struct {
	labels map[string]string
}

// NewLabelBuilder creates a builder with the purpose and managed-by labels set.
func NewLabelBuilder() *LabelBuilder {
	return &LabelBuilder{
		labels: map[string]string{
			KeyPurpose:   PurposeDev,
			KeyManagedBy: ManagedByPulumi,
		},
	}
}

// WithBranch adds the branch label, sanitized to a valid label value.
func (lb *LabelBuilder) WithBranch(branch string) *LabelBuilder {
	if v := Sanitize(branch); v != "" {
		lb.labels[KeyBranch] = v
	}
	return lb
}

// WithStack adds the stack label.
func (lb *LabelBuilder) WithStack(stack string) *LabelBuilder {
	if v := Sanitize(stack); v != "" {
		lb.labels[KeyStack] = v
	}
	return lb
}

// Merge adds all labels from the provided map. The purpose label is kept.
func (lb *LabelBuilder) Merge(extra map[string]string) *LabelBuilder {
	for k, v := range extra {
		if k == KeyPurpose {
			continue
		}
		lb.labels[k] = v
	}
	return lb
}

// Build returns a copy of the labels map.
func (lb *LabelBuilder) Build() map[string]string {
	result := make(map[string]string, len(lb.labels))
	for k, v := range lb.labels {
		result[k] = v
	}
	return result
}

// Sanitize lowercases s and replaces characters labels do not allow with '-'.
func Sanitize(s string) string {
	v := invalidValueChars.ReplaceAllString(strings.ToLower(s), "-")
	if len(v) > maxValueLength {
		v = v[:maxValueLength]
	}
	return strings.Trim(v, "-")
}

// Filter returns the instance list filter matching every dev VM.
func Filter() string {
	return "labels." + KeyPurpose + "=" + PurposeDev
}
