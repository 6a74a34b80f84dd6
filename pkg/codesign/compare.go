package codesign

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"
)

// Difference is one field that differs between two signatures.
type Difference struct {
	// Bundle is the bundle path relative to the inspected root.
	Bundle string
	Field  string
	Left   string
	Right  string
}

// CompareBundles inspects two bundles recursively and reports how their
// signatures differ. Bundles present on one side only are reported with an
// empty value on the other.
func CompareBundles(left, right string) ([]Difference, error) {
	l, err := InspectBundle(left, true)
	if err != nil {
		return nil, err
	}
	r, err := InspectBundle(right, true)
	if err != nil {
		return nil, err
	}
	return Compare(l, r), nil
}

// Compare matches signatures by relative bundle path. The root bundle is
// matched regardless of its name.
func Compare(left, right []*SignatureInfo) []Difference {
	key := func(infos []*SignatureInfo) map[string]*SignatureInfo {
		m := make(map[string]*SignatureInfo, len(infos))
		for i, s := range infos {
			k := s.RelativePath
			if i == 0 {
				k = "."
			} else if j := strings.IndexByte(k, '/'); j >= 0 {
				k = k[j+1:]
			}
			m[k] = s
		}
		return m
	}
	lm, rm := key(left), key(right)

	names := make([]string, 0, len(lm)+len(rm))
	for k := range lm {
		names = append(names, k)
	}
	for k := range rm {
		if _, ok := lm[k]; !ok {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	var out []Difference
	for _, n := range names {
		a, b := lm[n], rm[n]
		switch {
		case a == nil:
			out = append(out, Difference{Bundle: n, Field: "bundle", Right: "present"})
		case b == nil:
			out = append(out, Difference{Bundle: n, Field: "bundle", Left: "present"})
		default:
			out = append(out, compareInfo(n, a, b)...)
		}
	}
	return out
}

func compareInfo(bundle string, a, b *SignatureInfo) []Difference {
	var out []Difference
	add := func(field, l, r string) {
		if l != r {
			out = append(out, Difference{Bundle: bundle, Field: field, Left: l, Right: r})
		}
	}

	add("slots", slotList(a), slotList(b))
	add("signer", a.SignerCN, b.SignerCN)
	add("requirements", hexOrEmpty(a.Requirements), hexOrEmpty(b.Requirements))

	for _, slot := range []uint32{csSlotCodeDirectory, csSlotAlternateCD} {
		ca, cb := codeDir(a, slot), codeDir(b, slot)
		if ca == nil || cb == nil {
			continue
		}
		p := fmt.Sprintf("cd[%#x].", slot)
		add(p+"version", fmt.Sprintf("%#x", ca.Version), fmt.Sprintf("%#x", cb.Version))
		add(p+"identifier", ca.Identifier, cb.Identifier)
		add(p+"team", ca.TeamID, cb.TeamID)
		add(p+"codeLimit", fmt.Sprint(ca.CodeLimit), fmt.Sprint(cb.CodeLimit))
		add(p+"execSegFlags", fmt.Sprintf("%#x", ca.ExecSegFlags), fmt.Sprintf("%#x", cb.ExecSegFlags))
		add(p+"specialSlots", fmt.Sprint(ca.NSpecialSlots), fmt.Sprint(cb.NSpecialSlots))
		for s := 1; s <= 7; s++ {
			if name := specialSlotNames[s]; name != "" {
				add(p+name, hexOrEmpty(ca.SpecialHashes[s]), hexOrEmpty(cb.SpecialHashes[s]))
			}
		}
		if !sameHashes(ca.CodeHashes, cb.CodeHashes) {
			add(p+"codeHashes", fmt.Sprintf("%d pages", len(ca.CodeHashes)), fmt.Sprintf("%d pages (differ)", len(cb.CodeHashes)))
		}
	}

	keys := make(map[string]bool)
	for k := range a.Entitlements {
		keys[k] = true
	}
	for k := range b.Entitlements {
		keys[k] = true
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)
	for _, k := range sorted {
		va, oka := a.Entitlements[k]
		vb, okb := b.Entitlements[k]
		if oka && okb && reflect.DeepEqual(va, vb) {
			continue
		}
		add("entitlements."+k, valueOrEmpty(va, oka), valueOrEmpty(vb, okb))
	}
	return out
}

func codeDir(s *SignatureInfo, slot uint32) *CodeDirectoryInfo {
	for i := range s.CodeDirs {
		if s.CodeDirs[i].Slot == slot {
			return &s.CodeDirs[i]
		}
	}
	return nil
}

func slotList(s *SignatureInfo) string {
	parts := make([]string, len(s.Blobs))
	for i, b := range s.Blobs {
		parts[i] = fmt.Sprintf("%#x", b.Slot)
	}
	return strings.Join(parts, ",")
}

func sameHashes(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i], b[i]) {
			return false
		}
	}
	return true
}

func hexOrEmpty(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return hex.EncodeToString(b)
}

func valueOrEmpty(v interface{}, ok bool) string {
	if !ok {
		return ""
	}
	return fmt.Sprint(v)
}

// PrintDifferences writes diffs grouped by bundle.
func PrintDifferences(w io.Writer, diffs []Difference) {
	if len(diffs) == 0 {
		_, _ = fmt.Fprintln(w, "signatures match")
		return
	}
	last := ""
	for _, d := range diffs {
		if d.Bundle != last {
			_, _ = fmt.Fprintf(w, "\n=== %s ===\n", d.Bundle)
			last = d.Bundle
		}
		_, _ = fmt.Fprintf(w, "  %s\n    - %s\n    + %s\n", d.Field, short(d.Left), short(d.Right))
	}
}

func short(s string) string {
	if s == "" {
		return "(none)"
	}
	if len(s) > 64 {
		return s[:64] + "..."
	}
	return s
}
