package appleauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aluedeke/go-ipasign/internal/logging"
	"github.com/aluedeke/go-ipasign/internal/metrics"
)

const defaultClientInfo = "<iMac20,1> <Mac OS X;13.0;22A380> <com.apple.AuthKit/1 (com.apple.dt.Xcode/3594.4.19)>"

// AnisetteData is the set of device attestation headers Apple expects on
// every authentication and developer-services request.
type AnisetteData struct {
	Headers   map[string]string
	FetchedAt time.Time
}

// Apply copies the anisette headers onto h.
func (a *AnisetteData) Apply(h http.Header) {
	if a == nil {
		return
	}
	for k, v := range a.Headers {
		if v != "" {
			h.Set(k, v)
		}
	}
}

// AnisetteProvider supplies fresh anisette data.
type AnisetteProvider interface {
	Fetch(ctx context.Context) (*AnisetteData, error)
}

// HTTPAnisette fetches anisette data from community servers, trying each
// in order until one returns a complete set.
type HTTPAnisette struct {
	Servers []string
	Client  Transport
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time

	once     sync.Once
	deviceID string
}

// NewHTTPAnisette returns a provider for servers.
func NewHTTPAnisette(servers []string, client Transport) *HTTPAnisette {
	return &HTTPAnisette{Servers: servers, Client: client}
}

// DeviceID is the X-Mme-Device-Id used when a server omits one. It is
// stable for the lifetime of the provider.
func (p *HTTPAnisette) DeviceID() string {
	p.once.Do(func() {
		p.deviceID = strings.ToUpper(uuid.NewString())
	})
	return p.deviceID
}

func (p *HTTPAnisette) Fetch(ctx context.Context) (*AnisetteData, error) {
	log := logging.From(ctx, p.Logger)
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}

	var lastErr error
	for _, server := range p.Servers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := p.fetchOne(ctx, client, server, now())
		if err != nil {
			p.Metrics.AppleRequest("anisette", "error")
			log.Warn("anisette server failed", zap.String("server", server), zap.Error(err))
			lastErr = err
			continue
		}
		p.Metrics.AppleRequest("anisette", "ok")
		log.Debug("anisette data fetched", zap.String("server", server))
		return data, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no anisette servers configured")
	}
	return nil, fmt.Errorf("failed to fetch anisette data from any server: %w", lastErr)
}

func (p *HTTPAnisette) fetchOne(ctx context.Context, client Transport, server string, now time.Time) (*AnisetteData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "AltStore/1.6.1")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bad status: %s", resp.Status)
	}

	var raw map[string]interface{}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode anisette response: %w", err)
	}
	get := func(key, def string) string {
		if v, ok := raw[key]; ok && v != nil {
			if s := fmt.Sprint(v); s != "" {
				return s
			}
		}
		return def
	}

	md, mdm := get("X-Apple-I-MD", ""), get("X-Apple-I-MD-M", "")
	if md == "" || mdm == "" {
		return nil, fmt.Errorf("incomplete anisette data")
	}
	return &AnisetteData{
		Headers: map[string]string{
			"X-Apple-I-MD":          md,
			"X-Apple-I-MD-M":        mdm,
			"X-Apple-I-MD-RINFO":    get("X-Apple-I-MD-RINFO", "17106176"),
			"X-Apple-I-MD-LU":       get("X-Apple-I-MD-LU", ""),
			"X-Apple-I-SRL-NO":      get("X-Apple-I-SRL-NO", "0"),
			"X-Mme-Client-Info":     get("X-Mme-Client-Info", defaultClientInfo),
			"X-Mme-Device-Id":       get("X-Mme-Device-Id", p.DeviceID()),
			"X-Apple-I-TimeZone":    get("X-Apple-I-TimeZone", "UTC"),
			"X-Apple-I-Client-Time": get("X-Apple-I-Client-Time", now.UTC().Format("2006-01-02T15:04:05Z")),
			"X-Apple-Locale":        get("X-Apple-Locale", "en_US"),
		},
		FetchedAt: now,
	}, nil
}
