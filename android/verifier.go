// Package android verifies Google device integrity evidence: Play Integrity
// tokens decoded through the official API client, plus legacy SafetyNet
// attestations accepted for older clients.
//
// Decode calls authenticate with a service-account JWT-bearer signer.
// Verification never returns an error for attacker-controlled input; every
// check resolves into a result carrying a verified flag, a risk score, and a
// trust level.
//
// See: https://developer.android.com/google/play/integrity
package android

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
	"google.golang.org/api/playintegrity/v1"

	"github.com/perimetra/device-trust/googleauth"
	"github.com/perimetra/device-trust/trust"
)

// Risk terms summed into the Play Integrity score. Device, app recognition,
// and licensing contribute independently; higher is worse.
const (
	riskDeviceStrong  = 0
	riskDeviceFull    = 10
	riskDeviceBasic   = 30
	riskDeviceVirtual = 50
	riskDeviceNone    = 70

	riskAppUnrecognized = 20
	riskAppUnevaluated  = 10

	riskUnlicensed     = 15
	riskLicenseUnknown = 5

	riskStale       = 80
	riskHardFailure = 100
)

// defaultMaxTokenAge bounds how old an integrity token's embedded timestamp
// may be before the token is rejected as stale.
const defaultMaxTokenAge = 10 * time.Minute

// Config holds configuration for Android verification.
type Config struct {
	// PackageNames is the list of allowed app package names (required).
	// The first entry is the default decode target.
	PackageNames []string

	// APKCertDigests is an optional allow-list of APK signing certificate
	// SHA-256 digests, compared case-insensitively.
	APKCertDigests []string

	// CredentialsJSON is the raw Google service-account key used to
	// authenticate decode calls (required).
	CredentialsJSON []byte

	// Endpoint overrides the Play Integrity API endpoint. Tests point
	// this at a local server.
	Endpoint string

	// MaxTokenAge bounds token staleness. Defaults to 10 minutes.
	MaxTokenAge time.Duration

	// HTTPClient is the transport for token exchange and decode calls.
	HTTPClient *http.Client

	// Logger for upstream failures. Defaults to the standard logger.
	Logger *logrus.Logger
}

// Verifier verifies Android Play Integrity tokens and SafetyNet
// attestations.
type Verifier struct {
	service      *playintegrity.Service
	packageNames map[string]struct{}
	certDigests  map[string]struct{}
	defaultPkg   string
	maxTokenAge  time.Duration
	log          *logrus.Logger
}

// NewVerifier creates a new Android verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	if len(cfg.PackageNames) == 0 {
		return nil, errors.New("at least one package name is required")
	}
	if len(cfg.CredentialsJSON) == 0 {
		return nil, errors.New("service account credentials are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.MaxTokenAge == 0 {
		cfg.MaxTokenAge = defaultMaxTokenAge
	}

	signer, err := googleauth.NewSigner(googleauth.Config{
		CredentialsJSON: cfg.CredentialsJSON,
		Scope:           googleauth.ScopePlayIntegrity,
		HTTPClient:      cfg.HTTPClient,
		Logger:          cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	opts := []option.ClientOption{option.WithHTTPClient(signer.Client())}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	service, err := playintegrity.NewService(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("create Play Integrity service: %w", err)
	}

	packageNames := make(map[string]struct{}, len(cfg.PackageNames))
	for _, name := range cfg.PackageNames {
		packageNames[name] = struct{}{}
	}
	certDigests := make(map[string]struct{}, len(cfg.APKCertDigests))
	for _, digest := range cfg.APKCertDigests {
		certDigests[strings.ToUpper(digest)] = struct{}{}
	}

	return &Verifier{
		service:      service,
		packageNames: packageNames,
		certDigests:  certDigests,
		defaultPkg:   cfg.PackageNames[0],
		maxTokenAge:  cfg.MaxTokenAge,
		log:          cfg.Logger,
	}, nil
}

// Request carries one integrity token or SafetyNet attestation to verify.
type Request struct {
	// IntegrityToken is the opaque token from the Play Integrity API, or
	// the three-segment JWS for SafetyNet verification.
	IntegrityToken string

	// Nonce is the server-issued nonce expected inside the token
	// (optional; checked when set).
	Nonce string

	// PackageName selects the decode target (optional; must be in the
	// allowed set, defaults to the first configured package).
	PackageName string
}

// Result is the outcome of Android verification.
type Result struct {
	// Verified reports whether the device met at least the basic
	// integrity tier.
	Verified bool

	// TrustLevel is the per-protocol level for this verification.
	TrustLevel trust.Level

	// RiskScore sums the device, app recognition, and licensing terms.
	RiskScore int

	// Message explains degraded or failed outcomes.
	Message string

	// PackageName is the package the token was issued for.
	PackageName string

	// Nonce echoes the nonce embedded in the token.
	Nonce string

	// Verdicts carries the raw Google verdict strings for audit.
	Verdicts []string
}

// Verify decodes and evaluates a Play Integrity token. Upstream decode
// failures are logged and fail closed.
func (v *Verifier) Verify(ctx context.Context, req *Request) *Result {
	fail := func(message string) *Result {
		return &Result{
			TrustLevel: trust.LevelSuspicious,
			RiskScore:  riskHardFailure,
			Message:    message,
		}
	}

	if req.IntegrityToken == "" {
		return fail("integrity token is required")
	}

	pkg := req.PackageName
	if pkg == "" {
		pkg = v.defaultPkg
	}
	if _, ok := v.packageNames[pkg]; !ok {
		return fail("package name not in allowed set")
	}

	call := v.service.V1.DecodeIntegrityToken(pkg, &playintegrity.DecodeIntegrityTokenRequest{
		IntegrityToken: req.IntegrityToken,
	})
	resp, err := call.Context(ctx).Do()
	if err != nil {
		v.log.WithError(err).WithField("package", pkg).Error("play integrity decode failed")
		return fail("integrity token decode failed")
	}

	payload := resp.TokenPayloadExternal
	if payload == nil || payload.RequestDetails == nil {
		return fail("empty token payload")
	}

	details := payload.RequestDetails
	if details.TimestampMillis == 0 {
		return fail("token timestamp missing")
	}
	if details.RequestPackageName != pkg {
		return fail("token issued for package " + details.RequestPackageName)
	}
	if req.Nonce != "" && !nonceMatches(details.Nonce, req.Nonce) {
		return fail("nonce mismatch")
	}

	age := time.Since(time.UnixMilli(details.TimestampMillis))
	if age < -time.Minute {
		return v.stale("integrity token timestamped in the future", details.Nonce, pkg)
	}
	if age > v.maxTokenAge {
		return v.stale(fmt.Sprintf("integrity token stale: issued %s ago", age.Round(time.Second)), details.Nonce, pkg)
	}

	if len(v.certDigests) > 0 {
		if payload.AppIntegrity == nil || !v.digestAllowed(payload.AppIntegrity.CertificateSha256Digest) {
			return fail("APK certificate digest not in allowed set")
		}
	}

	var verdicts []string
	risk, verified, message := deviceRisk(nil)
	if payload.DeviceIntegrity != nil {
		verdicts = append(verdicts, payload.DeviceIntegrity.DeviceRecognitionVerdict...)
		risk, verified, message = deviceRisk(payload.DeviceIntegrity.DeviceRecognitionVerdict)
	}

	var appVerdict string
	if payload.AppIntegrity != nil {
		appVerdict = payload.AppIntegrity.AppRecognitionVerdict
	}
	risk += appRisk(appVerdict)
	if appVerdict != "" {
		verdicts = append(verdicts, appVerdict)
	}

	var license string
	if payload.AccountDetails != nil {
		license = payload.AccountDetails.AppLicensingVerdict
	}
	risk += licenseRisk(license)
	if license != "" {
		verdicts = append(verdicts, license)
	}

	return &Result{
		Verified:    verified,
		TrustLevel:  trust.LevelForRisk(risk),
		RiskScore:   risk,
		Message:     message,
		PackageName: pkg,
		Nonce:       details.Nonce,
		Verdicts:    verdicts,
	}
}

func (v *Verifier) stale(message, nonce, pkg string) *Result {
	return &Result{
		TrustLevel:  trust.LevelForRisk(riskStale),
		RiskScore:   riskStale,
		Message:     message,
		PackageName: pkg,
		Nonce:       nonce,
	}
}

func (v *Verifier) digestAllowed(digests []string) bool {
	for _, digest := range digests {
		if _, ok := v.certDigests[strings.ToUpper(digest)]; ok {
			return true
		}
	}
	return false
}

// deviceRisk scores the strongest device integrity tier present.
func deviceRisk(verdicts []string) (risk int, verified bool, message string) {
	set := make(map[string]struct{}, len(verdicts))
	for _, verdict := range verdicts {
		set[verdict] = struct{}{}
	}
	has := func(verdict string) bool {
		_, ok := set[verdict]
		return ok
	}

	switch {
	case has("MEETS_STRONG_INTEGRITY"):
		return riskDeviceStrong, true, "device meets strong integrity"
	case has("MEETS_DEVICE_INTEGRITY"):
		return riskDeviceFull, true, "device meets device integrity"
	case has("MEETS_BASIC_INTEGRITY"):
		return riskDeviceBasic, true, "device meets basic integrity only"
	case has("MEETS_VIRTUAL_INTEGRITY"):
		return riskDeviceVirtual, false, "virtual device"
	default:
		return riskDeviceNone, false, "no device integrity verdict"
	}
}

func appRisk(verdict string) int {
	switch verdict {
	case "PLAY_RECOGNIZED":
		return 0
	case "UNRECOGNIZED_VERSION":
		return riskAppUnrecognized
	default:
		return riskAppUnevaluated
	}
}

func licenseRisk(verdict string) int {
	switch verdict {
	case "LICENSED":
		return 0
	case "UNLICENSED":
		return riskUnlicensed
	default:
		return riskLicenseUnknown
	}
}

// nonceMatches accepts the token nonce either verbatim or as a base64
// encoding of the expected value.
func nonceMatches(tokenNonce, expected string) bool {
	if tokenNonce == expected {
		return true
	}
	decoded, err := decodeB64(tokenNonce)
	return err == nil && string(decoded) == expected
}

// decodeB64 accepts standard or URL-safe base64, padded or raw.
func decodeB64(s string) ([]byte, error) {
	s = strings.NewReplacer("-", "+", "_", "/").Replace(s)
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return base64.StdEncoding.DecodeString(s)
}
