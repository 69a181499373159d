package cred

import (
	"shotcap/pkg/keys"
)

// Linker signs and verifies proxied-URL capability tokens. The proxy endpoint
// only fetches URLs the server itself signed, so it cannot be used as an open
// relay. Verification failure is a hard 403, unlike credential decode.
type Linker struct {
	keys *keys.KeySet
}

func NewLinker(ks *keys.KeySet) *Linker {
	if ks == nil {
		panic("link signer: nil keyset")
	}
	return &Linker{keys: ks}
}

// Sign computes the signature over the exact URL string.
func (l *Linker) Sign(url string) string {
	return l.keys.SignString(url)
}

func (l *Linker) Verify(url, sig string) bool {
	if url == "" || sig == "" {
		return false
	}
	return l.keys.VerifyString(url, sig)
}
