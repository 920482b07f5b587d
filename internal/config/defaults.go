package config

const (
	defaultLibraryDir      = "~/audiobooks"
	defaultDownloadsDir    = "~/.local/share/awd/downloads"
	defaultStateDir        = "~/.local/share/awd/state"
	defaultLogDir          = "~/.local/share/awd/logs"
	defaultAuthFile        = "~/.config/awd/auth.json"
	defaultRegion          = "us"
	defaultQuality         = "High"
	defaultMaxConcurrent   = 3
	defaultMaxRetries      = 3
	defaultChunkSizeKiB    = 64
	defaultIdleTimeoutSecs = 60
	defaultBackoffSeconds  = 2
	defaultBackoffCapSecs  = 120
	defaultFFmpegBinary    = "ffmpeg"
	defaultFFprobeBinary   = "ffprobe"
	defaultConvertTimeout  = 1800
	defaultLogFormat       = "console"
	defaultLogLevel        = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			LibraryDir:   defaultLibraryDir,
			DownloadsDir: defaultDownloadsDir,
			StateDir:     defaultStateDir,
			LogDir:       defaultLogDir,
		},
		Account: Account{
			Region:   defaultRegion,
			AuthFile: defaultAuthFile,
		},
		Downloads: Downloads{
			MaxConcurrent:       defaultMaxConcurrent,
			MaxRetries:          defaultMaxRetries,
			Quality:             defaultQuality,
			ChunkSizeKiB:        defaultChunkSizeKiB,
			IdleTimeoutSeconds:  defaultIdleTimeoutSecs,
			RetryBackoffSeconds: defaultBackoffSeconds,
			RetryBackoffCapSecs: defaultBackoffCapSecs,
		},
		Conversion: Conversion{
			FFmpegBinary:   defaultFFmpegBinary,
			FFprobeBinary:  defaultFFprobeBinary,
			TimeoutSeconds: defaultConvertTimeout,
			CleanupWorkDir: true,
		},
		Naming: Naming{
			UseNestedStructure: true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
