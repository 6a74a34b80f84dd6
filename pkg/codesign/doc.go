// Package codesign implements Apple's code signing format natively in Go.
//
// It re-signs IPA archives and extracted .app bundles on any platform,
// without macOS or Apple's codesign tool.
//
// # Basic Usage
//
// Signing an archive end to end:
//
//	res, err := codesign.SignArchive(ctx, codesign.Request{
//	    InputPath:   "App.ipa",
//	    NewBundleID: "com.example.other",
//	    Credentials: &codesign.Credentials{Identity: id, Profile: profile},
//	})
//
// Signing an already extracted bundle in place:
//
//	signer, err := codesign.NewSigner(creds)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	signed, err := signer.SignApp(ctx, appPath, "")
//
// Nested frameworks, plug-ins and loose dylibs are signed before the
// bundles that contain them. Inspect and InspectBundle decode existing
// signatures, CompareBundles diffs two signed bundles.
package codesign
