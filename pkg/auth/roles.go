package auth

// NormalizeRoles extracts role names from token claims into a canonical
// ordered, de-duplicated list. Providers disagree on where roles live, so
// every known shape is handled explicitly: Keycloak realm roles nested under
// realm_access.roles are preferred; a top-level roles claim (list or single
// string) is the fallback.
//
// A token without any role claim yields an empty list. That is a valid,
// maximally restrictive result, not an error.
func NormalizeRoles(claims map[string]any) []string {
	var roles []string
	seen := make(map[string]struct{})

	add := func(role string) {
		if role == "" {
			return
		}
		if _, dup := seen[role]; dup {
			return
		}
		seen[role] = struct{}{}
		roles = append(roles, role)
	}

	addValue := func(v any) {
		switch typed := v.(type) {
		case []any:
			for _, item := range typed {
				if s, ok := item.(string); ok {
					add(s)
				}
			}
		case []string:
			for _, s := range typed {
				add(s)
			}
		case string:
			add(typed)
		}
	}

	if realmAccess, ok := claims["realm_access"].(map[string]any); ok {
		addValue(realmAccess["roles"])
	}
	if len(roles) == 0 {
		addValue(claims["roles"])
	}

	if roles == nil {
		return []string{}
	}
	return roles
}
