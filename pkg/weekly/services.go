package weekly

import (
	"context"
	"time"

	"github.com/aluedeke/go-ipasign/pkg/appleauth"
)

// Team is a development team the Apple ID belongs to.
type Team struct {
	ID   string `plist:"teamId"`
	Name string `plist:"name"`
	Type string `plist:"type"`
}

// AppID is a registered bundle identifier.
type AppID struct {
	ID             string    `plist:"appIdId"`
	Identifier     string    `plist:"identifier"`
	Name           string    `plist:"name"`
	ExpirationDate time.Time `plist:"expirationDate"`
}

// Device is a registered test device.
type Device struct {
	ID   string `plist:"deviceId"`
	UDID string `plist:"deviceNumber"`
	Name string `plist:"name"`
}

// Certificate is a development certificate issued for a CSR.
type Certificate struct {
	ID           string `plist:"certificateId"`
	RequestID    string `plist:"certRequestId"`
	SerialNumber string `plist:"serialNumber"`
	MachineName  string `plist:"machineName"`
	// Content is the DER certificate. Apple omits it from the CSR
	// submission response; it is then found by serial number.
	Content []byte `plist:"certContent"`
}

// DeveloperServices is the subset of Apple's developer services the weekly
// flow needs. Every call is made on behalf of the given session.
type DeveloperServices interface {
	ListTeams(ctx context.Context, s *appleauth.Session) ([]Team, error)
	ListAppIDs(ctx context.Context, s *appleauth.Session, teamID string) ([]AppID, error)
	AddAppID(ctx context.Context, s *appleauth.Session, teamID, bundleID, name string) (*AppID, error)
	ListDevices(ctx context.Context, s *appleauth.Session, teamID string) ([]Device, error)
	AddDevice(ctx context.Context, s *appleauth.Session, teamID, udid, name string) (*Device, error)
	ListCertificates(ctx context.Context, s *appleauth.Session, teamID string) ([]Certificate, error)
	SubmitDevelopmentCSR(ctx context.Context, s *appleauth.Session, teamID string, csrPEM []byte, machineID, machineName string) (*Certificate, error)
	DownloadTeamProvisioningProfile(ctx context.Context, s *appleauth.Session, teamID, appIDID string) ([]byte, error)
}

// SessionProvider hands out a live Apple session. *appleauth.Authenticator
// satisfies it.
type SessionProvider interface {
	Session(ctx context.Context) (*appleauth.Session, error)
	// Invalidate reports that Apple rejected the session.
	Invalidate(s *appleauth.Session)
}
