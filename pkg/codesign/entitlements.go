package codesign

import (
	"fmt"
	"os"
	"path/filepath"

	"howett.net/plist"
)

// Entitlements is the fixed capability manifest attached to the main
// executable / bundle root and to nested app bundles. Plain libraries
// and frameworks are never given a manifest.
type Entitlements struct {
	NetworkClient            bool
	NetworkServer            bool
	UserSelectedReadWrite    bool
	AudioInput               bool
	DisableLibraryValidation bool
}

// DefaultEntitlements grants the capabilities the packaged application
// needs at runtime. Library validation stays enabled unless the bundle
// loads plugins signed by another team.
func DefaultEntitlements() Entitlements {
	return Entitlements{
		NetworkClient:         true,
		NetworkServer:         true,
		UserSelectedReadWrite: true,
		AudioInput:            true,
	}
}

// Map returns the manifest as entitlement keys.
func (e Entitlements) Map() map[string]interface{} {
	m := map[string]interface{}{
		"com.apple.security.network.client":                 e.NetworkClient,
		"com.apple.security.network.server":                 e.NetworkServer,
		"com.apple.security.files.user-selected.read-write": e.UserSelectedReadWrite,
		"com.apple.security.device.audio-input":             e.AudioInput,
	}
	if e.DisableLibraryValidation {
		m["com.apple.security.cs.disable-library-validation"] = true
	}
	return m
}

// Plist serializes the manifest as an XML plist for codesign.
func (e Entitlements) Plist() ([]byte, error) {
	data, err := plist.MarshalIndent(e.Map(), plist.XMLFormat, "\t")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entitlements: %w", err)
	}
	return data, nil
}

// WriteFile writes the manifest plist into dir and returns its path.
func (e Entitlements) WriteFile(dir string) (string, error) {
	data, err := e.Plist()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "entitlements.plist")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write entitlements: %w", err)
	}
	return path, nil
}
