package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

var ErrCredentialNotFound = errors.New("credential not found")

// Credentials resolves a monitor's connection_ref to a secret.
type Credentials interface {
	Credential(ctx context.Context, tenantID, ref string) (string, error)
}

// EnvCredentials reads PREFIX<TENANT>_<REF>, then PREFIX<REF>, from the
// environment. Names are upper-cased with non-alphanumerics turned into "_".
type EnvCredentials struct {
	Prefix string
	Lookup func(string) (string, bool)
}

func (c EnvCredentials) Credential(_ context.Context, tenantID, ref string) (string, error) {
	lookup := c.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, name := range []string{c.Prefix + envName(tenantID) + "_" + envName(ref), c.Prefix + envName(ref)} {
		if v, ok := lookup(name); ok && v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrCredentialNotFound, ref)
}

func envName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}

// StaticCredentials maps "tenant/ref" to a secret.
type StaticCredentials map[string]string

func (c StaticCredentials) Credential(_ context.Context, tenantID, ref string) (string, error) {
	if v, ok := c[tenantID+"/"+ref]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrCredentialNotFound, ref)
}
