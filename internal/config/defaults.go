package config

const (
	defaultConfigPath       = "~/.config/skaner/config.toml"
	defaultStateDir         = "~/.local/state/skaner"
	defaultCacheDir         = "~/.cache/skaner"
	defaultWidth            = 1280
	defaultHeight           = 720
	defaultFPS              = 15
	defaultStartupTimeoutMs = 8000
	defaultNativeIntervalMs = 250
	defaultDecodeTimeoutMs  = 1500
	defaultCacheName        = "tomaga-skaner-v4"
	defaultHotEntries       = 32
	defaultSinkTTLMinutes   = 30
	defaultSinkPerMinute    = 6
	defaultMarketplace      = "https://allegro.pl"
	defaultBind             = "127.0.0.1:8787"
)

// DefaultManifest lists the shell resources installed into the cache.
var DefaultManifest = []string{
	"/",
	"/index.html",
	"/style.css",
	"/script.js",
	"/manifest.webmanifest",
	"/icon.svg",
}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{StateDir: defaultStateDir},
		Camera: Camera{
			Width:            defaultWidth,
			Height:           defaultHeight,
			FPS:              defaultFPS,
			ContinuousFocus:  true,
			FFmpegBinary:     "ffmpeg",
			V4L2CtlBinary:    "v4l2-ctl",
			InputFormat:      "mjpeg",
			StartupTimeoutMs: defaultStartupTimeoutMs,
		},
		Decoder: Decoder{
			Prefer:           "auto",
			ZbarBinary:       "zbarimg",
			NativeIntervalMs: defaultNativeIntervalMs,
			DecodeTimeoutMs:  defaultDecodeTimeoutMs,
		},
		Target: Target{
			WidthFraction:    0.8,
			HeightFraction:   0.25,
			FallbackMarginPx: 24,
		},
		Scanner: Scanner{
			MinDigits: 8,
			MaxDigits: 18,
			Autostart: true,
		},
		Feedback: Feedback{
			ToneHz:    880,
			ToneMs:    60,
			VibrateMs: 40,
			Flash:     true,
		},
		Shell: Shell{
			CacheName:  defaultCacheName,
			CacheDir:   defaultCacheDir,
			Manifest:   append([]string(nil), DefaultManifest...),
			HotEntries: defaultHotEntries,
		},
		Sink: Sink{
			Driver:     "sqlite",
			DSN:        "~/.local/state/skaner/requests.db",
			TTLMinutes: defaultSinkTTLMinutes,
			PerMinute:  defaultSinkPerMinute,
		},
		Search: Search{Marketplace: defaultMarketplace},
		Server: Server{Bind: defaultBind},
		Logging: Logging{
			Level:  "info",
			Format: "console",
		},
	}
}
