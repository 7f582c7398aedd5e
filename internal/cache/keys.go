package cache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
)

// KeySeparator joins a namespace and an identifier.
const KeySeparator = ":"

// Well-known namespaces.
const (
	NamespaceSummary   = "summary"   // memoized generations, keyed by content hash
	NamespaceUser      = "user"      // per-owner entries: user:{owner}:...
	NamespaceSummaries = "summaries" // per-owner summary listings: summaries:{owner}
	NamespaceRateLimit = "rl"        // rate limit counters
)

// DeriveKey builds the cache key for id under namespace.
//
// Scalar identifiers (strings, booleans, integers, floats and named types
// over them) are used verbatim: "namespace:id". Anything else is a
// structured value and is replaced by the hex MD5 of its canonical JSON
// form, so equal values always map to the same key across processes.
// Struct fields keep declaration order and map keys are sorted.
//
// DeriveKey never fails. Values JSON cannot encode are hashed from their
// Go-syntax representation instead.
func DeriveKey(namespace string, id any) string {
	if s, ok := scalarIdentifier(id); ok {
		return namespace + KeySeparator + s
	}
	return namespace + KeySeparator + ContentHash(id)
}

// ContentHash returns the 128-bit hex digest of v's canonical encoding.
func ContentHash(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(fmt.Sprintf("%#v", v))
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func scalarIdentifier(id any) (string, bool) {
	switch v := id.(type) {
	case string:
		return v, true
	case nil:
		return "", false
	}

	rv := reflect.ValueOf(id)
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), true
	case reflect.Bool:
		return strconv.FormatBool(rv.Bool()), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(rv.Int(), 10), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10), true
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(rv.Float(), 'g', -1, 64), true
	}
	return "", false
}
