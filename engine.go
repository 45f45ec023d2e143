package devicetrust

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/perimetra/device-trust/android"
	"github.com/perimetra/device-trust/challenge"
	"github.com/perimetra/device-trust/ios"
	"github.com/perimetra/device-trust/metrics"
	"github.com/perimetra/device-trust/store"
	"github.com/perimetra/device-trust/trust"
)

const riskHardFailure = 100

// Engine dispatches verification requests to the platform verifiers and
// records every outcome in the device trust store.
type Engine struct {
	ios        *ios.Verifier
	android    *android.Verifier
	devices    store.DeviceStore
	challenges challenge.Store
	log        *logrus.Logger
	validate   *validator.Validate

	mu     sync.RWMutex
	closed bool
}

// EngineConfig holds configuration for the engine.
type EngineConfig struct {
	// IOS enables App Attest and DeviceCheck verification (optional -
	// omit to disable iOS support).
	IOS *IOSConfig

	// Android enables Play Integrity and SafetyNet verification
	// (optional - omit to disable Android support).
	Android *AndroidConfig

	// Store persists device trust records (default: in-memory).
	Store store.DeviceStore

	// Challenges binds attestations to server-issued challenges
	// (optional). When set, attestation requests must consume a valid
	// challenge scoped to their key ID; assertions consume one only when
	// the request carries a challenge.
	Challenges challenge.Store

	// HTTPClient is the transport for Google API calls (default: 30
	// second timeout).
	HTTPClient *http.Client

	// Logger receives structured verification and failure logs
	// (default: the standard logrus logger).
	Logger *logrus.Logger
}

// IOSConfig holds iOS-specific configuration.
type IOSConfig struct {
	// BundleIDs is the list of allowed app bundle identifiers (required).
	BundleIDs []string

	// TeamID is the Apple Developer Team ID.
	TeamID string

	// SkipChainVerification accepts attestations without verifying the
	// certificate chain against the Apple root CA. Offline use only.
	SkipChainVerification bool

	// SkipEnvironmentCheck accepts AAGUIDs outside the production and
	// development App Attest environments.
	SkipEnvironmentCheck bool
}

// AndroidConfig holds Android-specific configuration.
type AndroidConfig struct {
	// PackageNames is the list of allowed app package names (required).
	// The first entry is the default decode target.
	PackageNames []string

	// APKCertDigests is an optional allow-list of APK signing certificate
	// SHA-256 digests.
	APKCertDigests []string

	// CredentialsJSON is the Google service-account key used to
	// authenticate Play Integrity decode calls (required).
	CredentialsJSON []byte

	// Endpoint overrides the Play Integrity API endpoint. Tests point
	// this at a local server.
	Endpoint string

	// MaxTokenAge bounds integrity token staleness (default: 10 minutes).
	MaxTokenAge time.Duration
}

// New creates an engine. At least one platform must be configured.
//
// Example:
//
//	engine, err := devicetrust.New(devicetrust.EngineConfig{
//	    IOS: &devicetrust.IOSConfig{
//	        BundleIDs: []string{"com.example.app"},
//	        TeamID:    "ABCD123456",
//	    },
//	    Challenges: challenge.NewMemoryStore(challenge.Config{}),
//	})
func New(cfg EngineConfig) (*Engine, error) {
	if cfg.IOS == nil && cfg.Android == nil {
		return nil, errors.New("at least one platform (iOS or Android) must be configured")
	}

	log := cfg.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	devices := cfg.Store
	if devices == nil {
		devices = store.NewMemoryStore()
	}

	e := &Engine{
		devices:    devices,
		challenges: cfg.Challenges,
		log:        log,
		validate:   validator.New(),
	}

	if cfg.IOS != nil {
		v, err := ios.NewVerifier(ios.Config{
			BundleIDs:             cfg.IOS.BundleIDs,
			TeamID:                cfg.IOS.TeamID,
			SkipChainVerification: cfg.IOS.SkipChainVerification,
			SkipEnvironmentCheck:  cfg.IOS.SkipEnvironmentCheck,
		})
		if err != nil {
			return nil, fmt.Errorf("ios: %w", err)
		}
		e.ios = v
	}

	if cfg.Android != nil {
		v, err := android.NewVerifier(android.Config{
			PackageNames:    cfg.Android.PackageNames,
			APKCertDigests:  cfg.Android.APKCertDigests,
			CredentialsJSON: cfg.Android.CredentialsJSON,
			Endpoint:        cfg.Android.Endpoint,
			MaxTokenAge:     cfg.Android.MaxTokenAge,
			HTTPClient:      httpClient,
			Logger:          log,
		})
		if err != nil {
			return nil, fmt.Errorf("android: %w", err)
		}
		e.android = v
	}

	return e, nil
}

// Verify runs one verification end to end: request validation, platform
// dispatch, and trust store persistence.
//
// Errors are reserved for caller contract violations (nil request, closed
// engine, platform not configured). Everything driven by request content,
// upstream services, or the store itself lands in the Verdict, which is
// always non-nil when the error is nil.
func (e *Engine) Verify(ctx context.Context, req *Request) (*Verdict, error) {
	if req == nil {
		return nil, ErrNilRequest
	}

	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	if err := e.validate.Struct(req); err != nil {
		return &Verdict{
			TrustLevel: trust.LevelSuspicious,
			RiskScore:  riskHardFailure,
			Message:    "unknown request type",
		}, nil
	}

	switch req.Type {
	case TypeAttestation, TypeAssertion, TypeDeviceCheck:
		if e.ios == nil {
			return nil, ErrNotConfigured
		}
	default:
		if e.android == nil {
			return nil, ErrNotConfigured
		}
	}

	switch req.Type {
	case TypeAttestation:
		return e.verifyAttestation(ctx, req), nil
	case TypeAssertion:
		return e.verifyAssertion(ctx, req), nil
	case TypeDeviceCheck:
		return e.verifyDeviceCheck(ctx, req), nil
	case TypeIntegrity:
		return e.verifyIntegrity(ctx, req), nil
	default:
		return e.verifySafetyNet(ctx, req), nil
	}
}

func (e *Engine) verifyAttestation(ctx context.Context, req *Request) *Verdict {
	if e.challenges != nil && !e.challenges.Validate(req.KeyID, req.Challenge) {
		return e.finish(req, trust.PlatformIOS, &Verdict{
			TrustLevel: trust.LevelSuspicious,
			RiskScore:  riskHardFailure,
			Message:    "challenge validation failed",
			Platform:   trust.PlatformIOS,
		})
	}

	res := e.ios.VerifyAttestation(&ios.AttestationRequest{
		KeyID:       req.KeyID,
		Attestation: req.Attestation,
		BundleID:    req.BundleID,
		Challenge:   req.Challenge,
	})

	verdict := &Verdict{
		Verified:   res.Verified,
		TrustLevel: res.TrustLevel,
		RiskScore:  res.RiskScore,
		Message:    res.Message,
		Platform:   trust.PlatformIOS,
	}

	if req.KeyID != "" {
		verdict = e.persist(ctx, verdict, store.WriteRequest{
			KeyID:     req.KeyID,
			Platform:  trust.PlatformIOS,
			Verified:  res.Verified,
			PublicKey: res.PublicKey,
			Counter:   res.SignCount,
			RiskScore: res.RiskScore,
		})
	}
	return e.finish(req, trust.PlatformIOS, verdict)
}

func (e *Engine) verifyAssertion(ctx context.Context, req *Request) *Verdict {
	if e.challenges != nil && req.Challenge != "" && !e.challenges.Validate(req.KeyID, req.Challenge) {
		return e.finish(req, trust.PlatformIOS, &Verdict{
			TrustLevel: trust.LevelSuspicious,
			RiskScore:  riskHardFailure,
			Message:    "challenge validation failed",
			Platform:   trust.PlatformIOS,
		})
	}

	rec, err := e.devices.Read(ctx, req.KeyID)
	if err != nil {
		if errors.Is(err, store.ErrDeviceNotFound) {
			return e.finish(req, trust.PlatformIOS, &Verdict{
				TrustLevel: trust.LevelSuspicious,
				RiskScore:  riskHardFailure,
				Message:    "unknown device key",
				Platform:   trust.PlatformIOS,
			})
		}
		e.log.WithError(err).WithField("key_id", req.KeyID).Error("device store read failed")
		return e.finish(req, trust.PlatformIOS, &Verdict{
			TrustLevel: trust.LevelSuspicious,
			RiskScore:  riskHardFailure,
			Message:    "device store read failed",
			Platform:   trust.PlatformIOS,
		})
	}

	res := e.ios.VerifyAssertion(&ios.AssertionRequest{
		KeyID:           req.KeyID,
		Assertion:       req.Assertion,
		ClientDataHash:  req.ClientDataHash,
		StoredCounter:   rec.AssertionCounter,
		StoredPublicKey: rec.PublicKey,
	})

	verdict := &Verdict{
		Verified:   res.Verified,
		TrustLevel: res.TrustLevel,
		RiskScore:  res.RiskScore,
		Message:    res.Message,
		DeviceID:   rec.ID,
		Platform:   trust.PlatformIOS,
	}

	if res.Verified {
		advanced, err := e.devices.AdvanceCounter(ctx, req.KeyID, res.NewCounter)
		switch {
		case err != nil:
			e.log.WithError(err).WithField("key_id", req.KeyID).Error("assertion counter advance failed")
			verdict = &Verdict{
				TrustLevel: trust.LevelSuspicious,
				RiskScore:  riskHardFailure,
				Message:    "assertion counter advance failed",
				DeviceID:   rec.ID,
				Platform:   trust.PlatformIOS,
			}
		case !advanced:
			// Another verification for this key won the counter race.
			verdict = &Verdict{
				TrustLevel: trust.LevelSuspicious,
				RiskScore:  riskHardFailure,
				Message:    "assertion counter replay detected",
				DeviceID:   rec.ID,
				Platform:   trust.PlatformIOS,
			}
		}
	}

	var counter uint32
	if verdict.Verified {
		counter = res.NewCounter
	}
	verdict = e.persist(ctx, verdict, store.WriteRequest{
		KeyID:     req.KeyID,
		Platform:  trust.PlatformIOS,
		Verified:  verdict.Verified,
		Counter:   counter,
		RiskScore: verdict.RiskScore,
	})
	return e.finish(req, trust.PlatformIOS, verdict)
}

func (e *Engine) verifyDeviceCheck(ctx context.Context, req *Request) *Verdict {
	res := e.ios.VerifyDeviceCheck(req.Token)

	verdict := &Verdict{
		Verified:   res.Verified,
		TrustLevel: res.TrustLevel,
		RiskScore:  res.RiskScore,
		Message:    res.Message,
		Platform:   trust.PlatformIOS,
	}

	if req.KeyID != "" {
		verdict = e.persist(ctx, verdict, store.WriteRequest{
			KeyID:     req.KeyID,
			Platform:  trust.PlatformIOS,
			Verified:  res.Verified,
			RiskScore: res.RiskScore,
		})
	}
	return e.finish(req, trust.PlatformIOS, verdict)
}

func (e *Engine) verifyIntegrity(ctx context.Context, req *Request) *Verdict {
	res := e.android.Verify(ctx, &android.Request{
		IntegrityToken: req.IntegrityToken,
		Nonce:          req.Nonce,
		PackageName:    req.PackageName,
	})
	return e.persistAndroid(ctx, req, res)
}

func (e *Engine) verifySafetyNet(ctx context.Context, req *Request) *Verdict {
	res := e.android.VerifySafetyNet(&android.Request{
		IntegrityToken: req.IntegrityToken,
		Nonce:          req.Nonce,
		PackageName:    req.PackageName,
	})
	return e.persistAndroid(ctx, req, res)
}

// persistAndroid records an Android outcome under the caller-supplied key
// ID, falling back to the token nonce when the caller does not track
// installs. With neither, the verdict is returned unpersisted.
func (e *Engine) persistAndroid(ctx context.Context, req *Request, res *android.Result) *Verdict {
	verdict := &Verdict{
		Verified:   res.Verified,
		TrustLevel: res.TrustLevel,
		RiskScore:  res.RiskScore,
		Message:    res.Message,
		Platform:   trust.PlatformAndroid,
		Verdicts:   res.Verdicts,
	}

	keyID := req.KeyID
	if keyID == "" {
		keyID = res.Nonce
	}
	if keyID != "" {
		verdict = e.persist(ctx, verdict, store.WriteRequest{
			KeyID:     keyID,
			Platform:  trust.PlatformAndroid,
			Verified:  res.Verified,
			RiskScore: res.RiskScore,
			Verdicts:  res.Verdicts,
		})
	}
	return e.finish(req, trust.PlatformAndroid, verdict)
}

// persist records one verification outcome and stamps the verdict with the
// stable device ID. Store failures fail closed.
func (e *Engine) persist(ctx context.Context, verdict *Verdict, wr store.WriteRequest) *Verdict {
	deviceID, err := e.devices.Write(ctx, wr)
	if err != nil {
		e.log.WithError(err).WithField("key_id", wr.KeyID).Error("device store write failed")
		return &Verdict{
			TrustLevel: trust.LevelSuspicious,
			RiskScore:  riskHardFailure,
			Message:    "device store write failed",
			Platform:   verdict.Platform,
			Verdicts:   verdict.Verdicts,
		}
	}
	verdict.DeviceID = deviceID
	return verdict
}

func (e *Engine) finish(req *Request, platform trust.Platform, verdict *Verdict) *Verdict {
	result := "rejected"
	if verdict.Verified {
		result = "verified"
	}
	metrics.Verifications.WithLabelValues(string(platform), string(req.Type), result).Inc()
	metrics.RiskScore.WithLabelValues(string(platform), string(req.Type)).Observe(float64(verdict.RiskScore))

	e.log.WithFields(logrus.Fields{
		"check":    string(req.Type),
		"platform": string(platform),
		"verified": verdict.Verified,
		"risk":     verdict.RiskScore,
	}).Debug("verification complete")

	return verdict
}

// GenerateChallenge mints a challenge for the given scope, typically the
// attestation key ID the client is about to attest. Returns the challenge
// string to send to the client.
func (e *Engine) GenerateChallenge(scope string) (string, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return "", ErrClosed
	}

	if e.challenges == nil {
		return "", ErrNoChallengeStore
	}
	return e.challenges.Generate(scope)
}

// Close releases the challenge store. Safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	if e.challenges != nil {
		e.challenges.Close()
	}
	return nil
}

// Store returns the underlying device trust store.
func (e *Engine) Store() store.DeviceStore {
	return e.devices
}

// Challenges returns the challenge store, or nil when none is configured.
func (e *Engine) Challenges() challenge.Store {
	return e.challenges
}
