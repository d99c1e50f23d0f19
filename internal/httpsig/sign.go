// Package httpsig implements the HTTP Signature scheme as defined in draft-cavage-http-signatures-10.
package httpsig

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	// RequestTarget is the pseudo-header used to sign the request target.
	RequestTarget = "(request-target)"

	// DateFormat is the format of the Date header. Date must be in GMT, not UTC 🤯
	DateFormat = "Mon, 02 Jan 2006 15:04:05 GMT"
)

// Sign signs the request using the given keyID and privateKey.
// POST requests cover the body with a Digest header.
func Sign(req *http.Request, keyID string, privateKey crypto.PrivateKey, body []byte) error {
	return signAt(req, keyID, privateKey, body, time.Now())
}

func signAt(req *http.Request, keyID string, privateKey crypto.PrivateKey, body []byte, now time.Time) error {
	key, ok := privateKey.(*rsa.PrivateKey)
	if !ok {
		return errors.New("httpsig: only RSA keys are supported")
	}
	req.Header.Set("Date", now.UTC().Format(DateFormat))
	headersToSign := []string{RequestTarget, "host", "date"}
	switch req.Method {
	case "GET", "HEAD":
		if req.Header.Get("Accept") != "" {
			headersToSign = append(headersToSign, "accept")
		}
	default:
		req.Header.Set("Digest", digest(body))
		headersToSign = append(headersToSign, "digest")
	}

	s, err := signingString(req, headersToSign, nil)
	if err != nil {
		return err
	}
	hash := sha256.Sum256([]byte(s))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hash[:])
	if err != nil {
		return err
	}
	enc := base64.StdEncoding.EncodeToString(sig)
	req.Header.Set("Signature", fmt.Sprintf(`keyId="%s",algorithm="rsa-sha256",headers="%s",signature="%s"`, keyID, strings.Join(headersToSign, " "), enc))
	return nil
}

// digest returns the value of the Digest header for body.
func digest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// signingString reconstructs the string covered by the signature from the
// listed headers. params supplies the (created) and (expires) pseudo-headers.
func signingString(req *http.Request, headers []string, params map[string]string) (string, error) {
	var sb strings.Builder
	for i, header := range headers {
		if i > 0 {
			sb.WriteString("\n")
		}
		header = strings.ToLower(header)
		switch header {
		case RequestTarget:
			sb.WriteString(RequestTarget + ": ")
			sb.WriteString(strings.ToLower(req.Method))
			sb.WriteString(" ")
			sb.WriteString(req.URL.RequestURI())
		case "(created)", "(expires)":
			v, ok := params[strings.Trim(header, "()")]
			if !ok {
				return "", fmt.Errorf("%w: %s", ErrMissingHeaders, header)
			}
			sb.WriteString(header + ": " + v)
		case "host":
			host := req.Host
			if host == "" {
				host = req.URL.Host
			}
			sb.WriteString("host: " + host)
		default:
			values := req.Header.Values(header)
			if len(values) == 0 {
				return "", fmt.Errorf("%w: %s", ErrMissingHeaders, header)
			}
			sb.WriteString(header + ": " + strings.Join(values, ", "))
		}
	}
	return sb.String(), nil
}
