package cosmos

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
)

const (
	headerAuthorization = "Authorization"
	headerDate          = "x-ms-date"
	headerVersion       = "x-ms-version"

	restAPIVersion = "2018-12-31"
)

// masterKeyPolicy signs every request with the account master key.
type masterKeyPolicy struct {
	key []byte
	now func() time.Time
}

func newMasterKeyPolicy(key string) (*masterKeyPolicy, error) {
	if key == "" {
		return nil, fmt.Errorf("cosmos: account key is required")
	}
	decoded, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("cosmos: decoding account key: %w", err)
	}
	return &masterKeyPolicy{key: decoded, now: time.Now}, nil
}

func (p *masterKeyPolicy) Do(req *policy.Request) (*http.Response, error) {
	raw := req.Raw()
	date := p.now().UTC().Format(http.TimeFormat)
	resourceType, resourceLink := resourceFromPath(raw.URL.Path)

	raw.Header.Set(headerDate, date)
	raw.Header.Set(headerVersion, restAPIVersion)
	raw.Header.Set(headerAuthorization, p.sign(raw.Method, resourceType, resourceLink, date))
	return req.Next()
}

func (p *masterKeyPolicy) sign(verb, resourceType, resourceLink, date string) string {
	payload := strings.ToLower(verb) + "\n" +
		strings.ToLower(resourceType) + "\n" +
		resourceLink + "\n" +
		strings.ToLower(date) + "\n" +
		"\n"

	mac := hmac.New(sha256.New, p.key)
	mac.Write([]byte(payload))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return url.QueryEscape("type=master&ver=1.0&sig=" + sig)
}

// resourceFromPath derives the signed resource type and link from a request path.
// Feed paths (odd segment count, e.g. dbs/db/colls) sign the parent link; item paths
// (even count, e.g. dbs/db/colls/c) sign themselves.
func resourceFromPath(path string) (resourceType, resourceLink string) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return "", ""
	}
	segments := strings.Split(trimmed, "/")
	if len(segments)%2 == 1 {
		return segments[len(segments)-1], strings.Join(segments[:len(segments)-1], "/")
	}
	return segments[len(segments)-2], trimmed
}
