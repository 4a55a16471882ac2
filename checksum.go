package persist

import (
	"encoding/json"
	"strconv"
	"sync"
)

// Checksum digests initials into a small integer used to disambiguate
// storage keys. The digest is deliberately weak: a rolling character-code
// sum over the JSON serialisation with structural punctuation stripped,
// scaled by specificity. Callers rely on it being deterministic and
// adjustable, not collision-resistant. Serialisation failures yield 0.
func Checksum(initials Values, specificity int) int {
	raw, err := json.Marshal(initials)
	if err != nil {
		return 0
	}
	return checksumString(string(raw), specificity)
}

func checksumString(serialized string, specificity int) int {
	sum := 0
	for _, r := range serialized {
		switch r {
		case '{', '"', '}', ':', ',':
			continue
		}
		sum += int(r) * specificity
	}
	return sum
}

// ResolveKey derives the storage key for a form. Without hashing the key is
// the form name itself; with hashing the checksum of the initial values is
// appended so variants of the same form persist under distinct keys.
func ResolveKey(name string, initials Values, useHash bool, specificity int) string {
	if !useHash {
		return name
	}
	return name + "_" + strconv.Itoa(Checksum(initials, specificity))
}

// keyResolver derives the storage key for a form, memoising the checksum so
// repeated change notifications with unchanged initial values do not pay for
// re-hashing.
type keyResolver struct {
	name        string
	useHash     bool
	specificity int

	mu         sync.Mutex
	cached     bool
	serialized string
	key        string
}

func newKeyResolver(name string, useHash bool, specificity int) *keyResolver {
	return &keyResolver{
		name:        name,
		useHash:     useHash,
		specificity: specificity,
	}
}

// prefix identifies every checksum-keyed variant of this form in a store.
func (r *keyResolver) prefix() string {
	return r.name + "_"
}

func (r *keyResolver) resolve(initials Values) string {
	if !r.useHash {
		return r.name
	}

	serialized := ""
	sum := 0
	if raw, err := json.Marshal(initials); err == nil {
		serialized = string(raw)
		sum = checksumString(serialized, r.specificity)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached && serialized == r.serialized {
		return r.key
	}
	r.cached = true
	r.serialized = serialized
	r.key = r.name + "_" + strconv.Itoa(sum)
	return r.key
}
