package consent

import "strings"

// MasterScope satisfies every requested scope. Master tokens get the
// shortest default TTL: the most powerful credential has the tightest
// blast radius.
const MasterScope = "*"

// ScopeSatisfies reports whether a granted scope covers a requested
// one. Granted satisfies requested iff they are equal, granted is
// "domain.*" and requested starts with "domain.", or granted is the
// master scope.
func ScopeSatisfies(granted, requested string) bool {
	if granted == "" || requested == "" {
		return false
	}
	if granted == MasterScope {
		return true
	}
	if granted == requested {
		return true
	}
	if domain, ok := strings.CutSuffix(granted, ".*"); ok {
		return strings.HasPrefix(requested, domain+".")
	}
	return false
}
