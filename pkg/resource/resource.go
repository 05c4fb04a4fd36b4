// Package resource defines the normalized instance model shared by providers and the catalog.
package resource

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind identifies a cloud provider backend.
type Kind string

const (
	KindGCE       Kind = "GCE"
	KindEC2       Kind = "EC2"
	KindAzure     Kind = "AZURE"
	KindOpenStack Kind = "OSTACK"
)

// Kinds lists every supported backend in a stable order.
var Kinds = []Kind{KindEC2, KindAzure, KindGCE, KindOpenStack}

// ParseKind accepts both the upper-case kind and the lower-case names used in config files.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gce", "gke":
		return KindGCE, nil
	case "ec2", "eks":
		return KindEC2, nil
	case "azure", "aks":
		return KindAzure, nil
	case "ostack", "openstack":
		return KindOpenStack, nil
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

// ConfigName is the lower-case name used for config keys such as "<name>-clusters".
func (k Kind) ConfigName() string {
	if k == KindOpenStack {
		return "openstack"
	}
	return strings.ToLower(string(k))
}

// Well-known tag keys.
const (
	TagIgnore      = "pcw_ignore"
	TagTTL         = "openqa_ttl"
	TagServer      = "openqa_var_server"
	TagJobID       = "openqa_var_job_id"
	TagCreatedDate = "openqa_created_date"
)

// Instance is a raw descriptor as returned by a provider listing.
type Instance struct {
	ID        string            `json:"id"`
	Region    string            `json:"region"`
	CreatedAt time.Time         `json:"created_at"`
	Type      string            `json:"type"`
	Tags      map[string]string `json:"tags"`

	// Vanished is set when the provider could no longer resolve the
	// instance details while listing it (the resource is being removed).
	Vanished bool `json:"vanished,omitempty"`
}

// Ignored reports whether the instance carries the protection tag.
func (i Instance) Ignored() bool {
	return Ignored(i.Tags)
}

// TTL returns the instance TTL from its tag, or def when missing or invalid.
func (i Instance) TTL(def time.Duration) time.Duration {
	raw, ok := i.Tags[TagTTL]
	if !ok {
		return def
	}
	secs, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || secs < 0 {
		return def
	}
	return time.Duration(secs) * time.Second
}

// Ignored reports whether tags contain the protection tag.
func Ignored(tags map[string]string) bool {
	_, ok := tags[TagIgnore]
	return ok
}

// TagsFromPointers flattens SDK tag maps with pointer values.
func TagsFromPointers(in map[string]*string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if v != nil {
			out[k] = *v
		} else {
			out[k] = ""
		}
	}
	return out
}
