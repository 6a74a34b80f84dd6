package weekly

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"howett.net/plist"

	"github.com/aluedeke/go-ipasign/internal/logging"
	"github.com/aluedeke/go-ipasign/internal/metrics"
	"github.com/aluedeke/go-ipasign/internal/retry"
	"github.com/aluedeke/go-ipasign/pkg/appleauth"
	"github.com/aluedeke/go-ipasign/pkg/signerr"
)

const (
	DefaultServicesURL = "https://developerservices2.apple.com/services/QH65B2"

	clientID        = "XABBG36SBA"
	protocolVersion = "QH65B2"
	xcodeVersion    = "15.0 (15A240d)"
)

// Result codes Apple returns in the plist body.
const (
	resultOK               = 0
	resultSessionExpired   = 1100
	resultAppIDLimit       = 9401
	resultCertificateLimit = 7460
)

// HTTPServicesConfig configures an HTTPServices client.
type HTTPServicesConfig struct {
	BaseURL string
	Client  appleauth.Transport
	// RequestsPerSecond paces calls. Zero means 2/s.
	RequestsPerSecond float64
	Retry             retry.Policy
	Logger            *zap.Logger
	Metrics           *metrics.Metrics
}

// HTTPServices talks the plist protocol of developerservices2.
type HTTPServices struct {
	base    string
	client  appleauth.Transport
	limiter *rate.Limiter
	policy  retry.Policy
	log     *zap.Logger
	metrics *metrics.Metrics
}

var _ DeveloperServices = (*HTTPServices)(nil)

// NewHTTPServices returns a DeveloperServices backed by cfg.BaseURL.
func NewHTTPServices(cfg HTTPServicesConfig) *HTTPServices {
	s := &HTTPServices{
		base:    strings.TrimSuffix(cfg.BaseURL, "/"),
		client:  cfg.Client,
		policy:  cfg.Retry,
		log:     logging.OrNop(cfg.Logger),
		metrics: cfg.Metrics,
	}
	if s.base == "" {
		s.base = DefaultServicesURL
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: 30 * time.Second}
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 2
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	return s
}

type envelope struct {
	ResultCode   int    `plist:"resultCode"`
	ResultString string `plist:"resultString"`
	UserString   string `plist:"userString"`
}

// ServiceError is a non-zero result code from developer services.
type ServiceError struct {
	Action  string
	Code    int
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s (%d)", e.Action, e.Message, e.Code)
}

// call posts a plist request for action and decodes the response into out.
func (c *HTTPServices) call(ctx context.Context, s *appleauth.Session, action, teamID string, params map[string]interface{}, out interface{}) error {
	op := "weekly." + action[strings.LastIndex(action, "/")+1:]
	log := logging.From(ctx, c.log)

	body := map[string]interface{}{
		"clientId":        clientID,
		"protocolVersion": protocolVersion,
		"requestId":       strings.ToUpper(uuid.NewString()),
		"userLocale":      []string{"en_US"},
	}
	if teamID != "" {
		body["teamId"] = teamID
	}
	for k, v := range params {
		body[k] = v
	}
	payload, err := plist.Marshal(body, plist.XMLFormat)
	if err != nil {
		return signerr.Internalf(op, "failed to encode request: %w", err)
	}

	var data []byte
	err = retry.Do(ctx, c.policy, log, op, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		data, err = c.post(ctx, s, op, action, payload)
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var typed *signerr.Error
		if errors.As(err, &typed) {
			return err
		}
		return signerr.E(op, signerr.ErrServiceUnavailable, err)
	}

	var env envelope
	if _, err := plist.Unmarshal(data, &env); err != nil {
		return signerr.Ef(op, signerr.ErrServiceUnavailable, "failed to decode response: %w", err)
	}
	if env.ResultCode != resultOK {
		return classify(op, &ServiceError{Action: action, Code: env.ResultCode, Message: orString(env.UserString, env.ResultString)})
	}
	if out != nil {
		if _, err := plist.Unmarshal(data, out); err != nil {
			return signerr.Ef(op, signerr.ErrServiceUnavailable, "failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *HTTPServices) post(ctx context.Context, s *appleauth.Session, op, action string, payload []byte) ([]byte, error) {
	url := fmt.Sprintf("%s/%s.action?clientId=%s", c.base, action, clientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	h := req.Header
	h.Set("Content-Type", "text/x-xml-plist")
	h.Set("Accept", "text/x-xml-plist")
	h.Set("User-Agent", "Xcode")
	h.Set("X-Xcode-Version", xcodeVersion)
	h.Set("X-Apple-I-Identity-Id", s.DSID)
	h.Set("X-Apple-GS-Token", s.Token)
	s.Apply(h)

	resp, err := c.client.Do(req)
	if err != nil {
		c.metrics.AppleRequest("services", "error")
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		c.metrics.AppleRequest("services", "error")
		return nil, err
	}
	c.metrics.AppleRequest("services", fmt.Sprintf("%dxx", resp.StatusCode/100))

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%s: %s", action, resp.Status)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, retry.Permanent(signerr.Ef(op, signerr.ErrSessionExpired, "developer services rejected the session: %s", resp.Status))
	}
	return data, nil
}

// classify maps a service error to the engine's taxonomy. Apple's codes
// are not documented, so the message is consulted as well.
func classify(op string, se *ServiceError) error {
	msg := strings.ToLower(se.Message)
	switch {
	case se.Code == resultAppIDLimit || strings.Contains(msg, "maximum number of app id") || strings.Contains(msg, "cannot be registered to your development team"):
		return signerr.E(op, signerr.ErrAppIDLimitReached, se)
	case se.Code == resultCertificateLimit || strings.Contains(msg, "too many certificates") || strings.Contains(msg, "maximum number of certificates"):
		return signerr.E(op, signerr.ErrCertificateLimitReached, se)
	case se.Code == resultSessionExpired:
		return signerr.E(op, signerr.ErrSessionExpired, se)
	}
	return signerr.E(op, signerr.ErrServiceUnavailable, se)
}

func orString(s, def string) string {
	if s != "" {
		return s
	}
	if def != "" {
		return def
	}
	return "unknown error"
}

func (c *HTTPServices) ListTeams(ctx context.Context, s *appleauth.Session) ([]Team, error) {
	var out struct {
		Teams []Team `plist:"teams"`
	}
	if err := c.call(ctx, s, "listTeams", "", nil, &out); err != nil {
		return nil, err
	}
	return out.Teams, nil
}

func (c *HTTPServices) ListAppIDs(ctx context.Context, s *appleauth.Session, teamID string) ([]AppID, error) {
	var out struct {
		AppIDs []AppID `plist:"appIds"`
	}
	if err := c.call(ctx, s, "ios/listAppIds", teamID, nil, &out); err != nil {
		return nil, err
	}
	return out.AppIDs, nil
}

func (c *HTTPServices) AddAppID(ctx context.Context, s *appleauth.Session, teamID, bundleID, name string) (*AppID, error) {
	var out struct {
		AppID AppID `plist:"appId"`
	}
	params := map[string]interface{}{"identifier": bundleID, "name": name}
	if err := c.call(ctx, s, "ios/addAppId", teamID, params, &out); err != nil {
		return nil, err
	}
	return &out.AppID, nil
}

func (c *HTTPServices) ListDevices(ctx context.Context, s *appleauth.Session, teamID string) ([]Device, error) {
	var out struct {
		Devices []Device `plist:"devices"`
	}
	if err := c.call(ctx, s, "ios/listDevices", teamID, nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

func (c *HTTPServices) AddDevice(ctx context.Context, s *appleauth.Session, teamID, udid, name string) (*Device, error) {
	var out struct {
		Device Device `plist:"device"`
	}
	params := map[string]interface{}{"deviceNumber": udid, "name": name}
	if err := c.call(ctx, s, "ios/addDevice", teamID, params, &out); err != nil {
		return nil, err
	}
	return &out.Device, nil
}

func (c *HTTPServices) ListCertificates(ctx context.Context, s *appleauth.Session, teamID string) ([]Certificate, error) {
	var out struct {
		Certificates []Certificate `plist:"certificates"`
	}
	if err := c.call(ctx, s, "ios/listAllDevelopmentCerts", teamID, nil, &out); err != nil {
		return nil, err
	}
	return out.Certificates, nil
}

func (c *HTTPServices) SubmitDevelopmentCSR(ctx context.Context, s *appleauth.Session, teamID string, csrPEM []byte, machineID, machineName string) (*Certificate, error) {
	var out struct {
		CertRequest Certificate `plist:"certRequest"`
	}
	params := map[string]interface{}{
		"csrContent":  string(csrPEM),
		"machineId":   machineID,
		"machineName": machineName,
	}
	if err := c.call(ctx, s, "ios/submitDevelopmentCSR", teamID, params, &out); err != nil {
		return nil, err
	}
	return &out.CertRequest, nil
}

func (c *HTTPServices) DownloadTeamProvisioningProfile(ctx context.Context, s *appleauth.Session, teamID, appIDID string) ([]byte, error) {
	const op = "weekly.downloadTeamProvisioningProfile"
	var out struct {
		Profile struct {
			Encoded []byte `plist:"encodedProfile"`
		} `plist:"provisioningProfile"`
	}
	if err := c.call(ctx, s, "ios/downloadTeamProvisioningProfile", teamID, map[string]interface{}{"appIdId": appIDID}, &out); err != nil {
		return nil, err
	}
	if len(out.Profile.Encoded) == 0 {
		return nil, signerr.Ef(op, signerr.ErrServiceUnavailable, "no profile returned")
	}
	return out.Profile.Encoded, nil
}
