package credentials

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/pcw/pkg/resource"
)

// extraTime is the safety margin applied to every expiry check.
const extraTime = 600 * time.Second

// ErrTransport marks failures talking to the secret service.
var ErrTransport = errors.New("secret service transport error")

// TransportError describes a failed secret service call.
type TransportError struct {
	Method string
	Path   string
	Status int
	Msg    string
	Err    error
}

func (e *TransportError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Method, e.Path)
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrTransport.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// Lease is a time bounded credential returned by the secret service.
type Lease struct {
	LeaseID       string            `json:"lease_id"`
	LeaseDuration int               `json:"lease_duration"`
	Data          map[string]string `json:"data"`
	AuthExpire    time.Time         `json:"auth_expire"`
}

func (l *Lease) expired(now time.Time) bool {
	return l == nil || !now.Add(extraTime).Before(l.AuthExpire)
}

// BrokerConfig configures a Broker.
type BrokerConfig struct {
	URL       string
	User      string
	Password  string
	CertDir   string
	Namespace string
	Kind      resource.Kind

	// CacheRoot enables the on-disk lease cache when set.
	CacheRoot string

	Timeout time.Duration
	Now     func() time.Time
}

// Broker leases cloud credentials from a Vault compatible secret service.
type Broker struct {
	cfg    BrokerConfig
	client *resty.Client
	now    func() time.Time

	mu                sync.Mutex
	clientToken       string
	clientTokenExpire time.Time
	lease             *Lease
}

// NewBroker creates a broker for one namespace and kind.
func NewBroker(cfg BrokerConfig) (*Broker, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("secret service url is required")
	}
	switch cfg.Kind {
	case resource.KindEC2, resource.KindAzure, resource.KindGCE:
	default:
		return nil, fmt.Errorf("no secret service path for %s", cfg.Kind)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.URL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	if cfg.CertDir != "" {
		entries, err := os.ReadDir(cfg.CertDir)
		if err != nil {
			return nil, fmt.Errorf("read cert dir: %w", err)
		}
		for _, e := range entries {
			name := e.Name()
			if strings.HasSuffix(name, ".pem") || strings.HasSuffix(name, ".crt") {
				client.SetRootCertificate(filepath.Join(cfg.CertDir, name))
			}
		}
	}

	return &Broker{
		cfg:    cfg,
		client: client,
		now:    func() time.Time { return cfg.Now().UTC() },
	}, nil
}

// Data returns the leased secret, fetching a fresh lease when the current
// one expires within the safety margin.
func (b *Broker) Data(ctx context.Context) (map[string]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.lease.expired(now) {
		if cached := b.loadCache(); !cached.expired(now) {
			b.lease = cached
		}
	}

	if b.lease.expired(now) {
		lease, err := b.fetch(ctx)
		if err != nil {
			return nil, err
		}
		lease.AuthExpire = now.Add(time.Duration(lease.LeaseDuration) * time.Second)
		b.lease = lease

		if b.clientTokenExpire.Before(lease.AuthExpire) {
			secs := int(lease.AuthExpire.Sub(now).Seconds() + extraTime.Seconds())
			if err := b.renewClientToken(ctx, secs); err != nil {
				log.Warn().Err(err).
					Str("namespace", b.cfg.Namespace).
					Str("provider", string(b.cfg.Kind)).
					Msg("renew client token failed")
			}
		}
		b.saveCache()
	}

	out := make(map[string]string, len(b.lease.Data))
	for k, v := range b.lease.Data {
		out[k] = v
	}
	return out, nil
}

// Revoke releases the current lease. Transport errors are logged and the
// local state is cleared regardless.
func (b *Broker) Revoke(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lease == nil {
		b.removeCache()
		return nil
	}

	if b.lease.LeaseID != "" {
		err := b.revokeLease(ctx, b.lease.LeaseID)
		if err != nil {
			log.Warn().Err(err).
				Str("namespace", b.cfg.Namespace).
				Str("provider", string(b.cfg.Kind)).
				Msg("revoke lease failed")
		}
	}

	b.lease = nil
	b.removeCache()
	return nil
}

func (b *Broker) revokeLease(ctx context.Context, leaseID string) error {
	token, err := b.token(ctx)
	if err != nil {
		return err
	}
	_, err = b.do(ctx, http.MethodPost, "/v1/sys/leases/revoke", token, map[string]string{"lease_id": leaseID})
	return err
}

// token returns a valid client token, logging in again when it expires
// within the safety margin.
func (b *Broker) token(ctx context.Context) (string, error) {
	now := b.now()
	if b.clientToken != "" && now.Add(extraTime).Before(b.clientTokenExpire) {
		return b.clientToken, nil
	}

	body, err := b.do(ctx, http.MethodPost, "/v1/auth/userpass/login/"+b.cfg.User, "",
		map[string]string{"password": b.cfg.Password})
	if err != nil {
		return "", err
	}

	auth := asMap(body["auth"])
	token, _ := auth["client_token"].(string)
	if token == "" {
		return "", &TransportError{Method: http.MethodPost, Path: "/v1/auth/userpass/login", Msg: "no client token in response"}
	}
	b.clientToken = token
	b.clientTokenExpire = now.Add(time.Duration(asInt(auth["lease_duration"])) * time.Second)
	return token, nil
}

func (b *Broker) renewClientToken(ctx context.Context, seconds int) error {
	token, err := b.token(ctx)
	if err != nil {
		return err
	}

	body, err := b.do(ctx, http.MethodPost, "/v1/auth/token/renew-self", token,
		map[string]string{"increment": fmt.Sprintf("%ds", seconds)})
	if err != nil {
		return err
	}

	if warnings, ok := body["warnings"].([]any); ok {
		for _, w := range warnings {
			log.Warn().
				Str("namespace", b.cfg.Namespace).
				Str("provider", string(b.cfg.Kind)).
				Msgf("secret service: %v", w)
		}
	}

	auth := asMap(body["auth"])
	b.clientTokenExpire = b.now().Add(time.Duration(asInt(auth["lease_duration"])) * time.Second)
	return nil
}

func (b *Broker) fetch(ctx context.Context) (*Lease, error) {
	token, err := b.token(ctx)
	if err != nil {
		return nil, err
	}

	ns := b.cfg.Namespace
	var path string
	switch b.cfg.Kind {
	case resource.KindAzure:
		path = "/v1/" + ns + "/azure/creds/openqa-role"
	case resource.KindEC2:
		path = "/v1/" + ns + "/aws/creds/openqa-role"
	case resource.KindGCE:
		path = "/v1/" + ns + "/gcp/key/openqa-role"
	}

	body, err := b.do(ctx, http.MethodGet, path, token, nil)
	if err != nil {
		return nil, err
	}

	leaseID, _ := body["lease_id"].(string)
	lease := &Lease{
		LeaseID:       leaseID,
		LeaseDuration: asInt(body["lease_duration"]),
		Data:          stringify(asMap(body["data"])),
	}

	switch b.cfg.Kind {
	case resource.KindAzure:
		kv, err := b.do(ctx, http.MethodGet, "/v1/"+ns+"/secret/azure/openqa-role", token, nil)
		if err != nil {
			return nil, err
		}
		for k, v := range stringify(asMap(kv["data"])) {
			lease.Data[k] = v
		}
	case resource.KindGCE:
		if err := foldPrivateKey(lease.Data); err != nil {
			return nil, err
		}
	}

	return lease, nil
}

// foldPrivateKey decodes the service account JSON carried in
// private_key_data and merges its keys into data.
func foldPrivateKey(data map[string]string) error {
	raw, ok := data["private_key_data"]
	if !ok {
		return fmt.Errorf("gcp key response has no private_key_data")
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("decode private_key_data: %w", err)
	}
	var key map[string]any
	if err := json.Unmarshal(decoded, &key); err != nil {
		return fmt.Errorf("parse private_key_data: %w", err)
	}
	for k, v := range stringify(key) {
		data[k] = v
	}
	return nil
}

func (b *Broker) do(ctx context.Context, method, path, token string, body any) (map[string]any, error) {
	req := b.client.R().SetContext(ctx)
	if token != "" {
		req.SetHeader("X-Vault-Token", token)
	}
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, &TransportError{Method: method, Path: path, Err: err}
	}
	if resp.StatusCode() == http.StatusNoContent {
		return map[string]any{}, nil
	}

	ct := resp.Header().Get("Content-Type")
	if !strings.HasPrefix(ct, "application/json") {
		return nil, &TransportError{Method: method, Path: path, Status: resp.StatusCode(), Msg: "unexpected content type " + ct}
	}

	out := make(map[string]any)
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, &TransportError{Method: method, Path: path, Status: resp.StatusCode(), Err: err}
	}
	if errs, ok := out["errors"]; ok {
		return nil, &TransportError{Method: method, Path: path, Status: resp.StatusCode(), Msg: fmt.Sprint(errs)}
	}
	if resp.IsError() {
		return nil, &TransportError{Method: method, Path: path, Status: resp.StatusCode()}
	}
	return out, nil
}

func (b *Broker) cachePath() string {
	if b.cfg.CacheRoot == "" {
		return ""
	}
	return filepath.Join(b.cfg.CacheRoot, string(b.cfg.Kind), b.cfg.Namespace, "auth.json")
}

func (b *Broker) loadCache() *Lease {
	path := b.cachePath()
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var lease Lease
	if err := json.Unmarshal(raw, &lease); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("ignoring corrupt lease cache")
		return nil
	}
	return &lease
}

func (b *Broker) saveCache() {
	path := b.cachePath()
	if path == "" || b.lease == nil {
		return
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("create lease cache dir failed")
		return
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("chmod lease cache dir failed")
	}
	raw, err := json.Marshal(b.lease)
	if err != nil {
		return
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("write lease cache failed")
	}
}

func (b *Broker) removeCache() {
	if path := b.cachePath(); path != "" {
		_ = os.Remove(path)
	}
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	if m == nil {
		return map[string]any{}
	}
	return m
}

func asInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	}
	return 0
}
