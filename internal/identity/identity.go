// Package identity resolves the stable pod id every event and presence
// member is stamped with.
package identity

import (
	"os"
	"strings"
)

// envCandidates in lookup order. POD_NAME is the k8s downward-API
// convention; the rest cover plain hosts.
var envCandidates = []string{"POD_NAME", "HOSTNAME", "COMPUTERNAME", "MACHINE_NAME"}

// PodID returns the pod identity: the first non-empty candidate environment
// variable, then the OS hostname, then "localhost". Colons are replaced
// because the presence member encoding reserves them.
func PodID() string {
	for _, key := range envCandidates {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return sanitize(v)
		}
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return sanitize(host)
	}
	return "localhost"
}

func sanitize(id string) string {
	return strings.ReplaceAll(id, ":", "-")
}
