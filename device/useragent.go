package device

import "strings"

// Info is the descriptive metadata sent when registering a device.
type Info struct {
	Name       string `json:"name"`
	DeviceType string `json:"device_type"`
	OS         string `json:"os"`
	Browser    string `json:"browser"`
}

const (
	TypeMobile  = "mobile"
	TypeTablet  = "tablet"
	TypeDesktop = "desktop"
)

// Describe derives device metadata from a user agent string.
func Describe(ua string) Info {
	info := Info{
		DeviceType: deviceType(ua),
		OS:         osName(ua),
		Browser:    browserName(ua),
	}
	info.Name = info.Browser + " on " + info.OS
	return info
}

func deviceType(ua string) string {
	l := strings.ToLower(ua)
	switch {
	case strings.Contains(l, "ipad") || strings.Contains(l, "tablet") ||
		(strings.Contains(l, "android") && !strings.Contains(l, "mobile")):
		return TypeTablet
	case strings.Contains(l, "mobile") || strings.Contains(l, "iphone") || strings.Contains(l, "ipod"):
		return TypeMobile
	default:
		return TypeDesktop
	}
}

func osName(ua string) string {
	l := strings.ToLower(ua)
	switch {
	case strings.Contains(l, "windows"):
		return "Windows"
	case strings.Contains(l, "iphone") || strings.Contains(l, "ipad") || strings.Contains(l, "ipod"):
		return "iOS"
	case strings.Contains(l, "mac os") || strings.Contains(l, "macintosh") || strings.Contains(l, "darwin"):
		return "macOS"
	case strings.Contains(l, "android"):
		return "Android"
	case strings.Contains(l, "cros"):
		return "ChromeOS"
	case strings.Contains(l, "linux"):
		return "Linux"
	default:
		return "Unknown"
	}
}

// Order matters: Edge and Opera include "Chrome", Chrome includes "Safari".
func browserName(ua string) string {
	l := strings.ToLower(ua)
	switch {
	case strings.Contains(l, "edg/") || strings.Contains(l, "edge/"):
		return "Edge"
	case strings.Contains(l, "opr/") || strings.Contains(l, "opera"):
		return "Opera"
	case strings.Contains(l, "firefox/"):
		return "Firefox"
	case strings.Contains(l, "chrome/") || strings.Contains(l, "crios/"):
		return "Chrome"
	case strings.Contains(l, "safari/"):
		return "Safari"
	case strings.HasPrefix(l, "authflow/") || strings.HasPrefix(l, "go-http-client/"):
		return "CLI"
	default:
		return "Unknown"
	}
}
