package codesign

import (
	"encoding/asn1"
	"fmt"
	"sort"
	"strings"

	"howett.net/plist"

	"github.com/aluedeke/go-ipasign/pkg/provision"
)

// preservedEntitlements are carried over from the app's previous embedded
// profile when the new profile also grants them.
var preservedEntitlements = []string{
	"aps-environment",
	"com.apple.developer.associated-domains",
	"com.apple.developer.icloud-container-identifiers",
	"com.apple.developer.ubiquity-container-identifiers",
	"com.apple.developer.default-data-protection",
	"com.apple.developer.networking.wifi-info",
	"com.apple.developer.healthkit",
	"com.apple.developer.homekit",
	"com.apple.developer.siri",
}

// BuildEntitlements computes the entitlements for the main executable.
// existing holds the entitlements of the profile the app shipped with and
// may be nil.
func BuildEntitlements(profile *provision.Profile, teamID, bundleID string, existing map[string]interface{}) map[string]interface{} {
	if teamID == "" {
		teamID = profile.TeamID()
	}
	ents := UpdateEntitlementsForBundleID(profile.EntitlementsCopy(), teamID, bundleID)
	ents["com.apple.developer.team-identifier"] = teamID

	wildcard := teamID + ".*"
	concrete := teamID + "." + strings.TrimPrefix(bundleID, teamID+".")
	for k, v := range ents {
		ents[k] = replaceWildcard(v, wildcard, concrete)
	}

	for _, key := range preservedEntitlements {
		old, inApp := existing[key]
		_, granted := profile.Entitlements[key]
		if inApp && granted {
			ents[key] = old
		}
	}
	return ents
}

func replaceWildcard(v interface{}, wildcard, concrete string) interface{} {
	switch val := v.(type) {
	case string:
		if val == wildcard {
			return concrete
		}
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = replaceWildcard(item, wildcard, concrete)
		}
		return out
	}
	return v
}

// UpdateEntitlementsForBundleID updates the entitlements with a new bundle ID
// It updates application-identifier and keychain-access-groups
func UpdateEntitlementsForBundleID(entitlements map[string]interface{}, teamID, newBundleID string) map[string]interface{} {
	updated := make(map[string]interface{}, len(entitlements))
	for k, v := range entitlements {
		updated[k] = v
	}

	bare := strings.TrimPrefix(newBundleID, teamID+".")
	appID := teamID + "." + bare
	updated["application-identifier"] = appID

	if groups, ok := updated["keychain-access-groups"].([]interface{}); ok {
		newGroups := make([]interface{}, 0, len(groups))
		for _, group := range groups {
			s, ok := group.(string)
			if !ok {
				continue
			}
			// Team scoped groups follow the bundle id; shared groups
			// without a team prefix are kept.
			if strings.Contains(s, ".") {
				newGroups = append(newGroups, appID)
			} else {
				newGroups = append(newGroups, s)
			}
		}
		updated["keychain-access-groups"] = dedupe(newGroups)
	}
	return updated
}

func dedupe(items []interface{}) []interface{} {
	seen := make(map[interface{}]bool, len(items))
	out := items[:0]
	for _, it := range items {
		if seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}

// EntitlementsToXML converts entitlements map to XML plist bytes
func EntitlementsToXML(entitlements map[string]interface{}) ([]byte, error) {
	data, err := plist.MarshalIndent(entitlements, plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entitlements to XML: %w", err)
	}
	return data, nil
}

// ParseEntitlementsXML parses XML plist entitlements into a map
func ParseEntitlementsXML(data []byte) (map[string]interface{}, error) {
	var entitlements map[string]interface{}
	if _, err := plist.Unmarshal(data, &entitlements); err != nil {
		return nil, fmt.Errorf("failed to parse entitlements XML: %w", err)
	}
	return entitlements, nil
}

// isEmptyEntitlementsXML reports an empty dict. Empty entitlements get an
// XML blob but no DER blob.
func isEmptyEntitlementsXML(entitlements string) bool {
	if strings.Contains(entitlements, "<dict></dict>") || strings.Contains(entitlements, "<dict/>") {
		return !strings.Contains(entitlements, "<key>")
	}
	return false
}

func getTaskAllow(xml []byte) bool {
	ents, err := ParseEntitlementsXML(xml)
	if err != nil {
		return false
	}
	v, _ := ents["get-task-allow"].(bool)
	return v
}

func entitlementsDER(xml []byte) ([]byte, error) {
	ents, err := ParseEntitlementsXML(xml)
	if err != nil {
		return nil, err
	}
	return EntitlementsToDER(ents)
}

// EntitlementsToDER converts entitlements map to DER-encoded ASN.1 format
// This is required for iOS code signing alongside the XML plist format
// The format follows Apple's specific plist-to-DER encoding:
// - Top-level: APPLICATION 16 { INTEGER 1, WrappedValue }
// - Dictionary: [16] SEQUENCE { SEQUENCE { UTF8String key, WrappedValue }... }
// - Array: SEQUENCE { WrappedValue... }
func EntitlementsToDER(entitlements map[string]interface{}) ([]byte, error) {
	dict, err := encodeDERDict(entitlements)
	if err != nil {
		return nil, err
	}
	version, err := asn1.Marshal(1)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal version: %w", err)
	}
	// 0x70: application class, constructed, tag 16
	return wrapWithTag(0x70, append(version, dict...)), nil
}

// encodeDERDict emits the key/value SEQUENCEs directly inside a [16]
// context tag, with no outer SEQUENCE, keys sorted.
func encodeDERDict(dict map[string]interface{}) ([]byte, error) {
	keys := make([]string, 0, len(dict))
	for k := range dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pairs []byte
	for _, key := range keys {
		val, err := encodeDERValue(dict[key])
		if err != nil {
			return nil, fmt.Errorf("failed to marshal value for key %s: %w", key, err)
		}
		pair := append(encodeUTF8String(key), val...)
		pairs = append(pairs, wrapWithTag(0x30, pair)...)
	}
	return wrapWithTag(0xB0, pairs), nil
}

func encodeUTF8String(s string) []byte {
	return wrapWithTag(0x0C, []byte(s))
}

func encodeDERValue(v interface{}) ([]byte, error) {
	switch val := v.(type) {
	case bool:
		return asn1.Marshal(val)
	case string:
		return encodeUTF8String(val), nil
	case int:
		return asn1.Marshal(val)
	case int64:
		return asn1.Marshal(val)
	case uint64:
		return asn1.Marshal(int64(val))
	case []interface{}:
		var content []byte
		for _, item := range val {
			b, err := encodeDERValue(item)
			if err != nil {
				return nil, err
			}
			content = append(content, b...)
		}
		return wrapWithTag(0x30, content), nil
	case []string:
		items := make([]interface{}, len(val))
		for i, s := range val {
			items[i] = s
		}
		return encodeDERValue(items)
	case map[string]interface{}:
		return encodeDERDict(val)
	default:
		return nil, fmt.Errorf("unsupported plist type: %T", v)
	}
}

// wrapWithTag wraps content with a DER tag and definite length.
func wrapWithTag(tag byte, content []byte) []byte {
	n := len(content)
	var hdr []byte
	switch {
	case n < 0x80:
		hdr = []byte{tag, byte(n)}
	case n < 0x100:
		hdr = []byte{tag, 0x81, byte(n)}
	case n < 0x10000:
		hdr = []byte{tag, 0x82, byte(n >> 8), byte(n)}
	default:
		hdr = []byte{tag, 0x83, byte(n >> 16), byte(n >> 8), byte(n)}
	}
	return append(hdr, content...)
}
