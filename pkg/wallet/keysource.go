package wallet

import (
	"fmt"
	"os"
	"strings"
)

// resolveKeySource turns a WalletDef.KeySourceRef into raw key material. A
// ref starting with "env:" is read from the named environment variable;
// anything else is treated as a file path. The resolved bytes are handed
// only to the in-memory signer map this package builds at startup — never
// logged, never serialized, never returned to a caller outside this
// package.
func resolveKeySource(ref string) ([]byte, error) {
	if ref == "" {
		return nil, fmt.Errorf("wallet: empty key source reference")
	}
	if rest, ok := strings.CutPrefix(ref, "env:"); ok {
		v := os.Getenv(rest)
		if v == "" {
			return nil, fmt.Errorf("wallet: env var %q is unset or empty", rest)
		}
		return []byte(v), nil
	}
	data, err := os.ReadFile(ref)
	if err != nil {
		return nil, fmt.Errorf("wallet: reading key source file %q: %w", ref, err)
	}
	return []byte(strings.TrimSpace(string(data))), nil
}
