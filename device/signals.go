package device

import (
	"context"
	"os"
	"runtime"
	"strings"
	"time"
)

// Signals are the device and browser properties a fingerprint is derived from.
type Signals struct {
	UserAgent      string  `json:"user_agent"`
	Language       string  `json:"language"`
	ScreenWidth    int     `json:"screen_width"`
	ScreenHeight   int     `json:"screen_height"`
	ColorDepth     int     `json:"color_depth"`
	PixelRatio     float64 `json:"pixel_ratio"`
	TimezoneOffset int     `json:"timezone_offset"`
	RenderEntropy  string  `json:"render_entropy"`
}

// SignalSource supplies the signals of the current device.
type SignalSource interface {
	Signals(ctx context.Context) (Signals, error)
}

// StaticSignals is a fixed [SignalSource], typically fed by an embedding UI.
type StaticSignals Signals

func (s StaticSignals) Signals(context.Context) (Signals, error) {
	return Signals(s), nil
}

// HostSignals derives signals for a terminal or headless client. The host's
// machine identifier takes the place of the rendering entropy a browser
// would contribute.
type HostSignals struct {
	UserAgent string
	Now       func() time.Time
}

func (h HostSignals) Signals(context.Context) (Signals, error) {
	now := h.Now
	if now == nil {
		now = time.Now
	}
	_, offset := now().Zone()

	lang := os.Getenv("LC_ALL")
	if lang == "" {
		lang = os.Getenv("LANG")
	}
	if i := strings.IndexAny(lang, ".@"); i >= 0 {
		lang = lang[:i]
	}
	lang = strings.ReplaceAll(lang, "_", "-")

	return Signals{
		UserAgent: h.UserAgent,
		Language:  lang,
		// Browsers report minutes west of UTC.
		TimezoneOffset: -offset / 60,
		RenderEntropy:  hostEntropy(),
	}, nil
}

var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
	"/sys/class/dmi/id/product_uuid",
}

func hostEntropy() string {
	parts := []string{runtime.GOOS, runtime.GOARCH}
	for _, p := range machineIDPaths {
		raw, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(raw)); id != "" {
			parts = append(parts, id)
			break
		}
	}
	if host, err := os.Hostname(); err == nil {
		parts = append(parts, host)
	}
	return strings.Join(parts, "|")
}
