package media

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
)

// sourceElement picks the capture element for the configured video source.
// "/dev/videoN" means V4L2 on Linux and AVFoundation on macOS, "rpi" or
// "libcamera" selects the libcamera source, "avf[:index]" forces
// AVFoundation, anything else falls back to autodetection.
func sourceElement(source, goos string) string {
	src := strings.TrimSpace(source)

	switch {
	case strings.HasPrefix(src, "/dev/video"):
		if goos == "darwin" {
			return "avfvideosrc"
		}
		return "v4l2src device=" + src
	case src == "rpi" || src == "libcamera":
		return "libcamerasrc"
	case src == "avf" || strings.HasPrefix(src, "avf:"):
		if idx, ok := strings.CutPrefix(src, "avf:"); ok {
			if n, err := strconv.Atoi(idx); err == nil {
				return fmt.Sprintf("avfvideosrc device-index=%d", n)
			}
		}
		return "avfvideosrc"
	default:
		return "autovideosrc"
	}
}

// SourceElement resolves the capture element for the current platform,
// honoring an explicit pipeline override.
func SourceElement(source, override string) string {
	if override != "" {
		return override
	}
	return sourceElement(source, runtime.GOOS)
}
