// Package naming holds the convention that ties hypervisor-side VM
// names back to tenant records: <sanitizedOwnerName>-<ownerID>-<vmID>.
//
// The poller recovers ownership from this name alone, so all three
// segments must stay dash-free; the owner name is sanitized to
// alphanumerics and record ids never contain dashes.
package naming

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var nonAlnum = regexp.MustCompile(`[^a-zA-Z0-9]`)

// EncodeResourceName builds the hypervisor-side VM name.
func EncodeResourceName(ownerName string, ownerID int, vmID string) string {
	return fmt.Sprintf("%s-%d-%s", nonAlnum.ReplaceAllString(ownerName, ""), ownerID, vmID)
}

// ParseResourceName recovers the owner id and VM id from a resource
// name. Names that don't follow the three-segment convention belong to
// VMs outside the system and are not an error.
func ParseResourceName(name string) (ownerID int, vmID string, ok bool) {
	parts := strings.Split(name, "-")
	if len(parts) != 3 {
		return 0, "", false
	}

	ownerID, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, "", false
	}
	return ownerID, parts[2], true
}
