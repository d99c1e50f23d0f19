package httpsig

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrMissingHeaders is returned when the request is unsigned, or the
	// signature does not cover the headers a signature must cover.
	ErrMissingHeaders = errors.New("httpsig: missing required signed headers")

	// ErrClockSkew is returned when the Date header is too far from now.
	ErrClockSkew = errors.New("httpsig: date outside permitted clock skew")

	// ErrSignatureMismatch is returned when the signature or body digest
	// does not verify.
	ErrSignatureMismatch = errors.New("httpsig: signature mismatch")

	// ErrDigestMismatch is returned when the Digest header does not match
	// the body. It is also an ErrSignatureMismatch.
	ErrDigestMismatch = fmt.Errorf("%w: digest does not match body", ErrSignatureMismatch)

	// ErrKeyResolution is returned when the signing key cannot be obtained.
	ErrKeyResolution = errors.New("httpsig: unable to resolve signing key")
)

// DefaultMaxClockSkew is the default permitted distance between the Date
// header and the local clock.
const DefaultMaxClockSkew = 12 * time.Hour

// KeyFunc returns the public key for a keyId.
type KeyFunc func(keyID string) (crypto.PublicKey, error)

// Options controls verification.
type Options struct {
	// MaxClockSkew bounds the Date header; zero means DefaultMaxClockSkew.
	MaxClockSkew time.Duration
	// Now returns the current time; nil means time.Now.
	Now func() time.Time
}

// Signature is a parsed Signature header.
type Signature struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Value     []byte
	params    map[string]string
}

// Parse parses the Signature header of req.
func Parse(req *http.Request) (*Signature, error) {
	header := req.Header.Get("Signature")
	if header == "" {
		// some implementations use the Authorization header
		if auth := req.Header.Get("Authorization"); strings.HasPrefix(auth, "Signature ") {
			header = strings.TrimPrefix(auth, "Signature ")
		}
	}
	if header == "" {
		return nil, fmt.Errorf("%w: no signature", ErrMissingHeaders)
	}
	params := parseParams(header)
	sig := &Signature{
		KeyID:     params["keyId"],
		Algorithm: strings.ToLower(params["algorithm"]),
		Headers:   []string{"date"},
		params:    params,
	}
	if h := strings.TrimSpace(params["headers"]); h != "" {
		sig.Headers = strings.Fields(strings.ToLower(h))
	}
	if sig.KeyID == "" {
		return nil, fmt.Errorf("%w: no keyId", ErrMissingHeaders)
	}
	value, err := base64.StdEncoding.DecodeString(params["signature"])
	if err != nil || len(value) == 0 {
		return nil, fmt.Errorf("%w: invalid signature encoding", ErrSignatureMismatch)
	}
	sig.Value = value
	return sig, nil
}

// covers reports whether header is listed in the signature.
func (s *Signature) covers(header string) bool {
	for _, h := range s.Headers {
		if h == header {
			return true
		}
	}
	return false
}

// Verify verifies the signature of req against body, which must be the
// complete request body. It returns the keyId the request was signed with.
// The signature must cover (request-target) and date, and digest if the
// request has a body.
func Verify(req *http.Request, body []byte, keyFn KeyFunc, opts Options) (string, error) {
	sig, err := Parse(req)
	if err != nil {
		return "", err
	}
	if !sig.covers(RequestTarget) || !sig.covers("date") {
		return sig.KeyID, fmt.Errorf("%w: (request-target) and date must be signed", ErrMissingHeaders)
	}
	if len(body) > 0 && !sig.covers("digest") {
		return sig.KeyID, fmt.Errorf("%w: digest must be signed", ErrMissingHeaders)
	}

	date, err := http.ParseTime(req.Header.Get("Date"))
	if err != nil {
		return sig.KeyID, fmt.Errorf("%w: invalid date: %v", ErrMissingHeaders, err)
	}
	skew := opts.MaxClockSkew
	if skew == 0 {
		skew = DefaultMaxClockSkew
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	if d := now().Sub(date); d > skew || d < -skew {
		return sig.KeyID, fmt.Errorf("%w: %s", ErrClockSkew, d)
	}

	if sig.covers("digest") || len(body) > 0 {
		if err := verifyDigest(req.Header.Get("Digest"), body); err != nil {
			return sig.KeyID, err
		}
	}

	s, err := signingString(req, sig.Headers, sig.params)
	if err != nil {
		return sig.KeyID, err
	}

	pubKey, err := keyFn(sig.KeyID)
	if err != nil {
		return sig.KeyID, fmt.Errorf("%w: %w", ErrKeyResolution, err)
	}

	switch sig.Algorithm {
	case "", "rsa-sha256", "hs2019":
		key, ok := pubKey.(*rsa.PublicKey)
		if !ok {
			return sig.KeyID, fmt.Errorf("%w: unsupported key type %T", ErrSignatureMismatch, pubKey)
		}
		hash := sha256.Sum256([]byte(s))
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, hash[:], sig.Value); err != nil {
			return sig.KeyID, fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
		}
		return sig.KeyID, nil
	default:
		return sig.KeyID, fmt.Errorf("%w: unsupported algorithm %q", ErrSignatureMismatch, sig.Algorithm)
	}
}

// verifyDigest checks the SHA-256 entry of a Digest header against body.
func verifyDigest(header string, body []byte) error {
	want := digest(body)
	for _, entry := range strings.Split(header, ",") {
		entry = strings.TrimSpace(entry)
		alg, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.EqualFold(alg, "SHA-256") {
			continue
		}
		if subtle.ConstantTimeCompare([]byte("SHA-256="+value), []byte(want)) == 1 {
			return nil
		}
		return ErrDigestMismatch
	}
	return fmt.Errorf("%w: no SHA-256 entry", ErrDigestMismatch)
}

// parseParams splits a Signature header into its key="value" parameters.
// Commas inside quoted values are preserved.
func parseParams(header string) map[string]string {
	params := make(map[string]string)
	var parts []string
	quoted := false
	start := 0
	for i := 0; i < len(header); i++ {
		switch header[i] {
		case '"':
			quoted = !quoted
		case ',':
			if !quoted {
				parts = append(parts, header[start:i])
				start = i + 1
			}
		}
	}
	parts = append(parts, header[start:])
	for _, part := range parts {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		params[k] = strings.Trim(v, `"`)
	}
	return params
}
