package weekly

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"

	"github.com/aluedeke/go-ipasign/internal/metrics"
	"github.com/aluedeke/go-ipasign/internal/retry"
	"github.com/aluedeke/go-ipasign/pkg/appleauth"
	"github.com/aluedeke/go-ipasign/pkg/signerr"
)

var testSession = &appleauth.Session{
	DSID:     "1234",
	Token:    "tok",
	Anisette: &appleauth.AnisetteData{Headers: map[string]string{"X-Apple-I-MD": "md"}},
}

// servicesServer answers each action with the plist built by respond.
func servicesServer(t *testing.T, respond func(action string, req map[string]interface{}) (int, interface{})) (*HTTPServices, *metrics.Metrics) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "XABBG36SBA", r.URL.Query().Get("clientId"))
		assert.Equal(t, "text/x-xml-plist", r.Header.Get("Content-Type"))
		assert.Equal(t, "1234", r.Header.Get("X-Apple-I-Identity-Id"))
		assert.Equal(t, "tok", r.Header.Get("X-Apple-GS-Token"))
		assert.Equal(t, "myacinfo=tok", r.Header.Get("Cookie"))
		assert.Equal(t, "md", r.Header.Get("X-Apple-I-MD"))

		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req map[string]interface{}
		_, err = plist.Unmarshal(data, &req)
		require.NoError(t, err)
		assert.Equal(t, "QH65B2", req["protocolVersion"])
		assert.NotEmpty(t, req["requestId"])

		action := r.URL.Path[1:]
		action = action[:len(action)-len(".action")]
		status, body := respond(action, req)
		w.WriteHeader(status)
		if body != nil {
			out, err := plist.Marshal(body, plist.XMLFormat)
			require.NoError(t, err)
			_, _ = w.Write(out)
		}
	}))
	t.Cleanup(srv.Close)

	m := metrics.New()
	return NewHTTPServices(HTTPServicesConfig{
		BaseURL:           srv.URL + "/",
		Client:            srv.Client(),
		RequestsPerSecond: 1000,
		Retry:             retry.Policy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		Metrics:           m,
	}), m
}

func TestHTTPServicesRoundTrip(t *testing.T) {
	expires := time.Date(2024, 5, 8, 12, 0, 0, 0, time.UTC)
	svc, m := servicesServer(t, func(action string, req map[string]interface{}) (int, interface{}) {
		switch action {
		case "listTeams":
			assert.NotContains(t, req, "teamId")
			return 200, map[string]interface{}{"resultCode": 0, "teams": []map[string]interface{}{
				{"teamId": "ABCDE12345", "name": "Personal Team", "type": "Individual"},
			}}
		case "ios/listAppIds":
			assert.Equal(t, "ABCDE12345", req["teamId"])
			return 200, map[string]interface{}{"resultCode": 0, "appIds": []map[string]interface{}{
				{"appIdId": "A1", "identifier": "com.example.app", "name": "ipasign app", "expirationDate": expires},
			}}
		case "ios/addAppId":
			assert.Equal(t, "com.example.new", req["identifier"])
			return 200, map[string]interface{}{"resultCode": 0, "appId": map[string]interface{}{"appIdId": "A2", "identifier": "com.example.new"}}
		case "ios/addDevice":
			assert.Equal(t, testUDID, req["deviceNumber"])
			return 200, map[string]interface{}{"resultCode": 0, "device": map[string]interface{}{"deviceId": "D1", "deviceNumber": testUDID}}
		case "ios/submitDevelopmentCSR":
			assert.Equal(t, "CSR", req["csrContent"])
			assert.Equal(t, "MACHINE", req["machineId"])
			return 200, map[string]interface{}{"resultCode": 0, "certRequest": map[string]interface{}{"certRequestId": "R1", "serialNumber": "ABC"}}
		case "ios/downloadTeamProvisioningProfile":
			assert.Equal(t, "A1", req["appIdId"])
			return 200, map[string]interface{}{"resultCode": 0, "provisioningProfile": map[string]interface{}{"encodedProfile": []byte("profile")}}
		}
		return 404, nil
	})
	ctx := context.Background()

	teams, err := svc.ListTeams(ctx, testSession)
	require.NoError(t, err)
	require.Len(t, teams, 1)
	assert.Equal(t, Team{ID: "ABCDE12345", Name: "Personal Team", Type: "Individual"}, teams[0])

	ids, err := svc.ListAppIDs(ctx, testSession, "ABCDE12345")
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, "A1", ids[0].ID)
	assert.True(t, expires.Equal(ids[0].ExpirationDate))

	id, err := svc.AddAppID(ctx, testSession, "ABCDE12345", "com.example.new", "ipasign new")
	require.NoError(t, err)
	assert.Equal(t, "A2", id.ID)

	d, err := svc.AddDevice(ctx, testSession, "ABCDE12345", testUDID, "iOS Device")
	require.NoError(t, err)
	assert.Equal(t, "D1", d.ID)

	cert, err := svc.SubmitDevelopmentCSR(ctx, testSession, "ABCDE12345", []byte("CSR"), "MACHINE", "go-ipasign")
	require.NoError(t, err)
	assert.Equal(t, "ABC", cert.SerialNumber)
	assert.Empty(t, cert.Content)

	prof, err := svc.DownloadTeamProvisioningProfile(ctx, testSession, "ABCDE12345", "A1")
	require.NoError(t, err)
	assert.Equal(t, []byte("profile"), prof)

	assert.Equal(t, float64(6), testutil.ToFloat64(m.AppleRequests.WithLabelValues("services", "2xx")))
}

func TestHTTPServicesResultCodes(t *testing.T) {
	tests := []struct {
		name string
		body map[string]interface{}
		code error
		kind signerr.Kind
	}{
		{"app id limit", map[string]interface{}{"resultCode": 9401, "userString": "limit"}, signerr.ErrAppIDLimitReached, signerr.Quota},
		{"app id limit by message", map[string]interface{}{"resultCode": 35, "userString": "You have reached the maximum number of App IDs"}, signerr.ErrAppIDLimitReached, signerr.Quota},
		{"certificate limit", map[string]interface{}{"resultCode": 7460, "resultString": "too many certificates"}, signerr.ErrCertificateLimitReached, signerr.Quota},
		{"session", map[string]interface{}{"resultCode": 1100}, signerr.ErrSessionExpired, signerr.Credential},
		{"other", map[string]interface{}{"resultCode": 1, "userString": "nope"}, signerr.ErrServiceUnavailable, signerr.Network},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			svc, _ := servicesServer(t, func(string, map[string]interface{}) (int, interface{}) {
				return 200, tc.body
			})
			_, err := svc.AddAppID(context.Background(), testSession, "T", "com.example.app", "x")
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.code)
			assert.Equal(t, tc.kind, signerr.KindOf(err))
			assert.Equal(t, "weekly.addAppId", signerr.OpOf(err))
		})
	}
}

func TestHTTPServicesRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	svc, _ := servicesServer(t, func(string, map[string]interface{}) (int, interface{}) {
		if calls.Add(1) < 3 {
			return 503, nil
		}
		return 200, map[string]interface{}{"resultCode": 0, "devices": []map[string]interface{}{}}
	})
	_, err := svc.ListDevices(context.Background(), testSession, "T")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(-100)
	_, err = svc.ListDevices(context.Background(), testSession, "T")
	require.Error(t, err)
	assert.ErrorIs(t, err, signerr.ErrServiceUnavailable)
	assert.ErrorIs(t, err, retry.ErrExhausted)
}

func TestHTTPServicesRejectedSession(t *testing.T) {
	var calls atomic.Int32
	svc, _ := servicesServer(t, func(string, map[string]interface{}) (int, interface{}) {
		calls.Add(1)
		return 401, nil
	})
	_, err := svc.ListTeams(context.Background(), testSession)
	require.Error(t, err)
	assert.ErrorIs(t, err, signerr.ErrSessionExpired)
	assert.NotErrorIs(t, err, retry.ErrExhausted)
	assert.Equal(t, int32(1), calls.Load(), "not retried")
}

func TestHTTPServicesMissingProfile(t *testing.T) {
	svc, _ := servicesServer(t, func(string, map[string]interface{}) (int, interface{}) {
		return 200, map[string]interface{}{"resultCode": 0}
	})
	_, err := svc.DownloadTeamProvisioningProfile(context.Background(), testSession, "T", "A1")
	assert.ErrorIs(t, err, signerr.ErrServiceUnavailable)
}
