package registry

import "strings"

// Local URL schemes route a source through the local-agent broker instead of
// the remote SSE transport. The scheme alone decides the routing.
var localSchemes = []string{"local://", "stdio://", "agent://"}

// IsLocalURL reports whether serverURL uses one of the local schemes.
func IsLocalURL(serverURL string) bool {
	for _, scheme := range localSchemes {
		if strings.HasPrefix(serverURL, scheme) {
			return true
		}
	}
	return false
}

// LocalCapability extracts the capability name from a local URL, e.g.
// "local://khoros-atlassian" yields "khoros-atlassian".
func LocalCapability(serverURL string) string {
	for _, scheme := range localSchemes {
		if rest, ok := strings.CutPrefix(serverURL, scheme); ok {
			return strings.Trim(rest, "/")
		}
	}
	return ""
}
