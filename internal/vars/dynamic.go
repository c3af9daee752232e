package vars

import (
	"encoding/base64"
	"errors"
	"math/rand/v2"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	InvalidBase64      = "<invalid base64>"
	InvalidURLEncoding = "<invalid url encoding>"

	maxRandomLength     = 1024
	defaultStringLength = 10
	defaultHexLength    = 16
	defaultIntMin       = 0
	defaultIntMax       = 1000
)

const (
	alphaChars    = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	alnumChars    = alphaChars + "0123456789"
	hexChars      = "0123456789abcdef"
	emailLocalLen = 8
)

var errBasicAuthArgs = errors.New("basicAuth needs a username and a password")

// Generator produces a fresh value on every call.
type Generator func(args []string) (string, error)

var catalog = map[string]Generator{
	"uuid":         genUUID,
	"guid":         genUUID,
	"timestamp":    func([]string) (string, error) { return strconv.FormatInt(time.Now().Unix(), 10), nil },
	"timestampMs":  func([]string) (string, error) { return strconv.FormatInt(time.Now().UnixMilli(), 10), nil },
	"isoTimestamp": func([]string) (string, error) { return time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"), nil },
	"randomInt":    genRandomInt,
	"randomFloat":  genRandomFloat,
	"randomString": func(args []string) (string, error) { return RandomString(alnumChars, lengthArg(args, defaultStringLength)), nil },
	"randomAlpha":  func(args []string) (string, error) { return RandomString(alphaChars, lengthArg(args, defaultStringLength)), nil },
	"randomHex":    func(args []string) (string, error) { return RandomString(hexChars, lengthArg(args, defaultHexLength)), nil },
	"randomEmail": func([]string) (string, error) {
		return "user_" + RandomString(alnumChars, emailLocalLen) + "@example.com", nil
	},
	"basicAuth":    genBasicAuth,
	"base64":       func(args []string) (string, error) { return base64.StdEncoding.EncodeToString([]byte(strings.Join(args, " "))), nil },
	"base64Decode": func(args []string) (string, error) { return DecodeBase64(strings.Join(args, " ")), nil },
	"urlEncode":    func(args []string) (string, error) { return EncodeURIComponent(strings.Join(args, " ")), nil },
	"urlDecode":    func(args []string) (string, error) { return DecodeURIComponent(strings.Join(args, " ")), nil },
}

// Dynamic runs the named generator. known is false when no generator has
// that name; the name is matched exactly first, then ignoring case.
func Dynamic(name string, args []string) (value string, known bool, err error) {
	gen, ok := catalog[name]
	if !ok {
		for k, g := range catalog {
			if strings.EqualFold(k, name) {
				gen, ok = g, true
				break
			}
		}
	}
	if !ok {
		return "", false, nil
	}
	value, err = gen(args)
	return value, true, err
}

func DynamicNames() []string {
	names := make([]string, 0, len(catalog))
	for k := range catalog {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func genUUID([]string) (string, error) { return uuid.NewString(), nil }

func genRandomInt(args []string) (string, error) {
	lo, hi := intRange(args, defaultIntMin, defaultIntMax)
	return strconv.FormatInt(RandomInt(lo, hi), 10), nil
}

func genRandomFloat(args []string) (string, error) {
	lo, hi := floatRange(args, 0, 1)
	return strconv.FormatFloat(RandomFloat(lo, hi), 'f', 6, 64), nil
}

func genBasicAuth(args []string) (string, error) {
	if len(args) < 2 {
		return "", errBasicAuthArgs
	}
	return BasicAuth(args[0], strings.Join(args[1:], " ")), nil
}

// RandomInt returns a value in [lo, hi]; swapped bounds are tolerated.
func RandomInt(lo, hi int64) int64 {
	if hi < lo {
		lo, hi = hi, lo
	}
	span := uint64(hi - lo)
	if span == ^uint64(0) {
		return int64(rand.Uint64())
	}
	return lo + int64(rand.Uint64N(span+1))
}

func RandomFloat(lo, hi float64) float64 {
	if hi < lo {
		lo, hi = hi, lo
	}
	return lo + rand.Float64()*(hi-lo)
}

func RandomString(alphabet string, n int) string {
	n = clampLength(n)
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}

func BasicAuth(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func DecodeBase64(s string) string {
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if out, err := enc.DecodeString(s); err == nil {
			return string(out)
		}
	}
	return InvalidBase64
}

// EncodeURIComponent percent-encodes s with spaces as %20.
func EncodeURIComponent(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

func DecodeURIComponent(s string) string {
	out, err := url.PathUnescape(s)
	if err != nil {
		return InvalidURLEncoding
	}
	return out
}

func clampLength(n int) int {
	if n < 1 {
		return 1
	}
	if n > maxRandomLength {
		return maxRandomLength
	}
	return n
}

func lengthArg(args []string, def int) int {
	if len(args) == 0 {
		return def
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return def
	}
	return clampLength(n)
}

// intRange parses a min/max pair. Anything short of two valid integers
// yields the default range.
func intRange(args []string, lo, hi int64) (int64, int64) {
	if len(args) < 2 {
		return lo, hi
	}
	a, errA := strconv.ParseInt(args[0], 10, 64)
	b, errB := strconv.ParseInt(args[1], 10, 64)
	if errA != nil || errB != nil {
		return lo, hi
	}
	return a, b
}

func floatRange(args []string, lo, hi float64) (float64, float64) {
	if len(args) < 2 {
		return lo, hi
	}
	a, errA := strconv.ParseFloat(args[0], 64)
	b, errB := strconv.ParseFloat(args[1], 64)
	if errA != nil || errB != nil {
		return lo, hi
	}
	return a, b
}
