package domain

import (
	"context"
	"encoding/json"
	"strings"
)

// ServerClass identifies which logical backend an API client talks to.
type ServerClass string

const (
	ServerCaching ServerClass = "caching"
	ServerUpload  ServerClass = "upload"
	ServerWallet  ServerClass = "wallet"
)

// ServerClasses lists every known class in a stable order.
func ServerClasses() []ServerClass {
	return []ServerClass{ServerCaching, ServerUpload, ServerWallet}
}

// Valid reports whether c is one of the known classes.
func (c ServerClass) Valid() bool {
	switch c {
	case ServerCaching, ServerUpload, ServerWallet:
		return true
	}
	return false
}

func (c ServerClass) String() string { return string(c) }

// ParseServerClass converts a user-supplied name to a ServerClass.
func ParseServerClass(s string) (ServerClass, error) {
	c := ServerClass(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", NewDomainError("ParseServerClass", ErrUnknownServerClass, s)
	}
	return c, nil
}

// Endpoint is the resolved URL for one server class.
type Endpoint struct {
	Class      ServerClass `json:"class"`
	URL        string      `json:"url"`
	Overridden bool        `json:"overridden"`
}

// RemoteEndpoints is the document served by the remote config endpoint.
// Each list holds candidate URLs; the first entry wins.
type RemoteEndpoints struct {
	CacheServers  []string `json:"cacheServers"`
	UploadServers []string `json:"uploadServers"`
	WalletServers []string `json:"walletServers"`
}

// URLFor returns the first candidate for class, or "" when the list is empty.
func (r RemoteEndpoints) URLFor(class ServerClass) string {
	var list []string
	switch class {
	case ServerCaching:
		list = r.CacheServers
	case ServerUpload:
		list = r.UploadServers
	case ServerWallet:
		list = r.WalletServers
	}
	if len(list) == 0 {
		return ""
	}
	return list[0]
}

// EndpointFetcher retrieves the remote endpoint document.
type EndpointFetcher interface {
	Fetch(ctx context.Context) (*RemoteEndpoints, error)
}

// KeyValueStore persists small string values across process restarts.
// Get reports ok=false for a missing key.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Signer turns an unsigned event into its signed JSON form.
type Signer interface {
	Sign(ctx context.Context, unsigned json.RawMessage) (json.RawMessage, error)
}
