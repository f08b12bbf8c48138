package ffinput

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Provider identifies a decoder implementation.
type Provider uint8

const (
	ProviderAuto     Provider = iota // Let library choose best available
	ProviderGo                       // Pure Go decoders (rawvideo, MJPEG, VP8 intra)
	ProviderOpenH264                 // BSD H.264 decoder via libmedia_h264
	ProviderLibvpx                   // BSD VP8/VP9 decoder via libmedia_vpx
	ProviderLibaom                   // BSD AV1 decoder via libmedia_av1
	ProviderFFmpeg                   // LGPL libavcodec via go-astiav (build tag ffmpeg)
	providerCount
)

// License represents the software license of a provider.
type License uint8

const (
	LicenseGPL  License = iota // Copyleft - requires source disclosure
	LicenseLGPL                // Weak copyleft - dynamic linking is fine
	LicenseBSD                 // Permissive - no copyleft obligations
)

// Permissive returns true if the license has no copyleft obligations.
func (l License) Permissive() bool { return l == LicenseBSD }

func (l License) String() string {
	switch l {
	case LicenseGPL:
		return "GPL"
	case LicenseLGPL:
		return "LGPL"
	case LicenseBSD:
		return "BSD"
	default:
		return "unknown"
	}
}

// Features is a bitmask of provider capabilities.
type Features uint32

const (
	FeatureInterFrames  Features = 1 << iota // Decodes predicted frames, not only key frames
	FeatureBFrames                           // Handles reordered (bidirectional) frames
	FeatureFrameThreads                      // Multi-threaded decoding
	FeatureAnyCodec                          // Decodes codecs beyond its registered set
)

// Has returns true if all specified features are supported.
func (f Features) Has(feature Features) bool { return f&feature == feature }

// providerMeta contains static metadata about a provider.
type providerMeta struct {
	Name     string
	License  License
	Features Features
}

// Static metadata table - indexed by Provider, zero allocations.
var providerInfo = [providerCount]providerMeta{
	ProviderAuto:     {"auto", LicenseBSD, 0},
	ProviderGo:       {"go", LicenseBSD, 0},
	ProviderOpenH264: {"openh264", LicenseBSD, FeatureInterFrames | FeatureFrameThreads},
	ProviderLibvpx:   {"libvpx", LicenseBSD, FeatureInterFrames | FeatureFrameThreads},
	ProviderLibaom:   {"libaom", LicenseBSD, FeatureInterFrames | FeatureFrameThreads},
	ProviderFFmpeg:   {"ffmpeg", LicenseLGPL, FeatureInterFrames | FeatureBFrames | FeatureFrameThreads | FeatureAnyCodec},
}

// Runtime availability - set by init() in provider implementations.
var providerAvailable [providerCount]atomic.Bool

func init() {
	// Pure Go decoders are always there.
	setProviderAvailable(ProviderGo)
}

// String returns the provider name.
func (p Provider) String() string {
	if p >= providerCount {
		return "unknown"
	}
	return providerInfo[p].Name
}

// ParseProvider maps a provider name to a Provider.
func ParseProvider(s string) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" {
		return ProviderAuto, nil
	}
	for p := Provider(0); p < providerCount; p++ {
		if providerInfo[p].Name == name {
			return p, nil
		}
	}
	return ProviderAuto, fmt.Errorf("%w: %q", ErrProviderNotFound, s)
}

// MarshalText implements encoding.TextMarshaler.
func (p Provider) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Provider) UnmarshalText(text []byte) error {
	v, err := ParseProvider(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// License returns the provider's license type.
func (p Provider) License() License {
	if p >= providerCount {
		return LicenseGPL
	}
	return providerInfo[p].License
}

// Features returns the provider's feature bitmask.
func (p Provider) Features() Features {
	if p >= providerCount {
		return 0
	}
	return providerInfo[p].Features
}

// Available returns true if the provider is usable at runtime.
func (p Provider) Available() bool {
	if p >= providerCount {
		return false
	}
	return providerAvailable[p].Load()
}

// setProviderAvailable marks a provider as available (called by implementations).
func setProviderAvailable(p Provider) {
	if p < providerCount {
		providerAvailable[p].Store(true)
	}
}

// AvailableProviders lists the providers usable at runtime.
func AvailableProviders() []Provider {
	var out []Provider
	for p := ProviderGo; p < providerCount; p++ {
		if p.Available() {
			out = append(out, p)
		}
	}
	return out
}
