// Package devicetrust verifies mobile device attestations and maintains a
// persistent trust score per device.
//
// The engine accepts platform-tagged requests, runs the matching protocol
// verifier, and records every outcome in a device trust store. Callers get
// back a normalized Verdict; the store accumulates per-device history
// (assertion counter, minimum risk score, verification count) that drives
// the persisted trust level.
//
// # iOS App Attest
//
// Verifies attestations and assertions from Apple's App Attest service,
// including certificate chain and challenge binding, with a DeviceCheck
// fallback for older devices.
// See: https://developer.apple.com/documentation/devicecheck/establishing_your_app_s_integrity
//
// # Android Play Integrity
//
// Decodes and scores integrity tokens through Google's Play Integrity API,
// with a SafetyNet fallback for legacy clients.
// See: https://developer.android.com/google/play/integrity
//
// # Basic Usage
//
//	engine, err := devicetrust.New(devicetrust.EngineConfig{
//	    IOS: &devicetrust.IOSConfig{
//	        BundleIDs: []string{"com.example.app"},
//	        TeamID:    "TEAM123456",
//	    },
//	    Android: &devicetrust.AndroidConfig{
//	        PackageNames:    []string{"com.example.app"},
//	        CredentialsJSON: credentials,
//	    },
//	    Challenges: challenge.NewMemoryStore(challenge.Config{}),
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	verdict, err := engine.Verify(ctx, &devicetrust.Request{
//	    Type:        devicetrust.TypeAttestation,
//	    KeyID:       keyID,
//	    Attestation: attestationFromClient,
//	    Challenge:   challengeFromClient,
//	    BundleID:    "com.example.app",
//	})
//
// # Subpackages
//
// The library is organized into the following subpackages:
//
//   - ios: App Attest attestation/assertion and DeviceCheck verification
//   - android: Play Integrity and SafetyNet verification
//   - store: device trust records (memory, Postgres, Redis backends)
//   - challenge: challenge issue/consume stores
//   - googleauth: OAuth2 service-account JWT-bearer signer
//   - trust: shared trust level and platform vocabulary
//   - cborlite, authdata, ecsig: wire-format primitives
//   - metrics: Prometheus collectors
package devicetrust
