package verifier

import "github.com/systmms/credsentry/pkg/credential"

var portTypes = map[int]credential.Type{
	3389:  credential.TypeWindows,
	22:    credential.TypeSSH,
	3306:  credential.TypeDatabase,
	5432:  credential.TypeDatabase,
	1521:  credential.TypeDatabase,
	1433:  credential.TypeDatabase,
	27017: credential.TypeDatabase,
	6379:  credential.TypeDatabase,
	80:    credential.TypeWebsite,
	443:   credential.TypeWebsite,
	8080:  credential.TypeWebsite,
	8443:  credential.TypeWebsite,
}

// InferTypeFromPort maps a well-known port to a credential type.
func InferTypeFromPort(port int) (credential.Type, bool) {
	t, ok := portTypes[port]
	return t, ok
}

// EffectiveType is cred.Type, or the port-inferred type for generic
// passwords. ok is false when a generic password has an unmapped port.
func EffectiveType(cred *credential.Credential) (credential.Type, bool) {
	if cred.Type != credential.TypePassword {
		return cred.Type, true
	}
	return InferTypeFromPort(cred.Port)
}
